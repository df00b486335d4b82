// Package command receives operator commands from the recipe_commands table
// and executes them. Delivery is push-first: a LISTEN/NOTIFY subscription
// carries new rows with sub-second latency, and a slow polling sweep takes
// over whenever the subscription stays down. Either path funnels into the
// same claim step, so a command is executed exactly once no matter how many
// delivery paths see it.
package command

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/db"
)

// Delivery mode labels reported to the health endpoint.
const (
	ModeNotify  = "notify"
	ModePolling = "polling"
)

// DefaultPollInterval is the fallback sweep period.
const DefaultPollInterval = 3 * time.Second

// DefaultFallbackGrace is how long the subscription may stay down before the
// sweep starts claiming.
const DefaultFallbackGrace = 60 * time.Second

// Subscription is the LISTEN side, satisfied by db.Listener.
type Subscription interface {
	OnEvent(db.CommandEventHandler)
	Start()
	Stop()
	Subscribed() bool
}

// CommandSource is the claim-and-read slice of the command repository.
type CommandSource interface {
	Claim(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (db.Command, error)
	Pending(ctx context.Context, machineID string) ([]db.Command, error)
}

// Handler executes one claimed command.
type Handler interface {
	Handle(ctx context.Context, cmd db.Command)
}

// Listener merges the two delivery paths in front of the dispatcher.
type Listener struct {
	sub       Subscription
	source    CommandSource
	handler   Handler
	machineID string
	poll      time.Duration
	grace     time.Duration
	log       *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}

	polling atomic.Bool
	// lastSubscribed is the unix time the subscription was last seen alive.
	lastSubscribed atomic.Int64
}

// NewListener wires the subscription and the polling fallback to a handler.
func NewListener(sub Subscription, source CommandSource, handler Handler, machineID string) *Listener {
	return &Listener{
		sub:       sub,
		source:    source,
		handler:   handler,
		machineID: machineID,
		poll:      DefaultPollInterval,
		grace:     DefaultFallbackGrace,
		log:       common.Logger.WithField("component", "command-listener"),
		done:      make(chan struct{}),
	}
}

// Mode reports the active delivery path.
func (l *Listener) Mode() string {
	if l.polling.Load() {
		return ModePolling
	}
	return ModeNotify
}

// Start begins receiving commands.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.lastSubscribed.Store(time.Now().Unix())

	l.sub.OnEvent(func(event db.CommandEvent) {
		l.onEvent(ctx, event)
	})
	l.sub.Start()
	go l.pollLoop(ctx)
}

// Stop tears down both delivery paths.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.sub.Stop()
	<-l.done
}

func (l *Listener) onEvent(ctx context.Context, event db.CommandEvent) {
	if event.MachineID != nil && *event.MachineID != l.machineID {
		return
	}
	if event.Status != "" && event.Status != db.CommandPending {
		return
	}
	l.claimAndHandle(ctx, event.ID)
}

// pollLoop is the fallback sweep. While the subscription is alive it only
// refreshes the liveness stamp; once the subscription has been down past the
// grace window it claims pending rows itself.
func (l *Listener) pollLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if l.sub.Subscribed() {
			l.lastSubscribed.Store(time.Now().Unix())
			if l.polling.Swap(false) {
				l.log.Info("notify subscription restored, polling fallback off")
			}
			continue
		}

		down := time.Since(time.Unix(l.lastSubscribed.Load(), 0))
		if down < l.grace {
			continue
		}
		if !l.polling.Swap(true) {
			l.log.WithField("down", down.Round(time.Second)).
				Warn("notify subscription down, polling fallback on")
		}
		l.sweep(ctx)
	}
}

func (l *Listener) sweep(ctx context.Context) {
	cmds, err := l.source.Pending(ctx, l.machineID)
	if err != nil {
		l.log.WithError(err).Warn("pending command sweep failed")
		return
	}
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return
		}
		l.claimAndHandle(ctx, cmd.ID)
	}
}

// claimAndHandle runs the CAS and, on winning, hands the row to the handler.
// Losing the claim is normal when both delivery paths see the same command.
func (l *Listener) claimAndHandle(ctx context.Context, id string) {
	won, err := l.source.Claim(ctx, id)
	if err != nil {
		l.log.WithError(err).WithField("command_id", id).Warn("command claim failed")
		return
	}
	if !won {
		l.log.WithField("command_id", id).Debug("command already claimed")
		return
	}

	cmd, err := l.source.Get(ctx, id)
	if err != nil {
		l.log.WithError(err).WithField("command_id", id).Error("failed to read claimed command")
		return
	}
	l.log.WithFields(logrus.Fields{
		"command_id": id,
		"type":       cmd.Type,
	}).Info("command claimed")
	l.handler.Handle(ctx, cmd)
}
