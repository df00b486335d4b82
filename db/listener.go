package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
)

// CommandChannel is the NOTIFY channel carrying new recipe_commands rows. A
// trigger on the table sends the row as JSON on every INSERT.
const CommandChannel = "recipe_commands_events"

// CommandEvent is the notification payload for a new command row.
type CommandEvent struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	MachineID *string `json:"machine_id,omitempty"`
	Status    string  `json:"status,omitempty"`
}

// CommandEventHandler is called for each received notification.
type CommandEventHandler func(event CommandEvent)

// Listener subscribes to a PostgreSQL NOTIFY channel and dispatches command
// events. The LISTEN connection is re-established with a 1s delay after any
// failure; Subscribed reports the live state so the command listener can fall
// back to polling when the subscription stays down.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	log     *logrus.Entry

	mu       sync.RWMutex
	handlers []CommandEventHandler

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}

	subscribed atomic.Bool
}

// NewListener creates a LISTEN subscriber on the given channel.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		pool:    pool,
		channel: channel,
		log:     common.Logger.WithField("component", "db-listener"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// OnEvent registers a handler for command events.
func (l *Listener) OnEvent(handler CommandEventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Subscribed reports whether a LISTEN connection is currently established.
func (l *Listener) Subscribed() bool {
	return l.subscribed.Load()
}

// Start begins listening in the background.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
}

// Stop tears the subscription down and waits for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	l.cancel()
	<-l.done
}

func (l *Listener) listenLoop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				l.subscribed.Store(false)
				l.log.WithError(err).Warn("listen error, reconnecting in 1s")
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (l *Listener) listen() error {
	conn, err := l.pool.Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("failed to start LISTEN: %w", err)
	}

	l.subscribed.Store(true)
	l.log.WithField("channel", l.channel).Info("listening for command notifications")

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("notification wait error: %w", err)
		}

		var event CommandEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			l.log.WithError(err).Warn("failed to parse command notification")
			continue
		}
		l.dispatch(event)
	}
}

func (l *Listener) dispatch(event CommandEvent) {
	l.mu.RLock()
	handlers := make([]CommandEventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
