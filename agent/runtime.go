// Package agent assembles the runtime: the PLC gateway, the database layer,
// the sampler, the command pipeline, and the health endpoint, with an ordered
// shutdown that drains in-flight work before closing connections.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nanofab/ald-agent/command"
	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/config"
	"github.com/nanofab/ald-agent/db"
	"github.com/nanofab/ald-agent/health"
	"github.com/nanofab/ald-agent/params"
	"github.com/nanofab/ald-agent/plc"
	"github.com/nanofab/ald-agent/sampler"
	"github.com/nanofab/ald-agent/spool"
)

// shutdownTimeout bounds the graceful teardown.
const shutdownTimeout = 30 * time.Second

// Runtime owns every component of a running agent.
type Runtime struct {
	cfg *config.Config

	pg       *db.Postgres
	store    *db.Store
	buffer   *spool.Spool
	gateway  plc.Gateway
	meta     *plc.MetadataCache
	writer   *db.DualModeWriter
	machines *db.MachineRepo

	smp        *sampler.Sampler
	dispatcher *command.Dispatcher
	listener   *command.Listener
	healthSrv  *health.Server
}

// New builds the runtime from configuration. Every dependency is connected
// and verified before the first component starts.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	r := &Runtime{cfg: cfg}

	pg, err := db.NewPostgres(ctx, cfg.Database.DSN(), cfg.Database.OpTimeout)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	r.pg = pg

	store, err := db.NewStore(cfg.Database.DSN(), cfg.MachineID)
	if err != nil {
		r.closePartial()
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	r.store = store

	if cfg.Spool.Path != "" {
		buffer, err := spool.Open(cfg.Spool.Path)
		if err != nil {
			r.closePartial()
			return nil, fmt.Errorf("spool: %w", err)
		}
		r.buffer = buffer
	}

	switch cfg.PLC.Mode {
	case config.PLCModeReal:
		gw := plc.NewModbusGateway(plc.ModbusOptions{
			Address:        cfg.PLC.Address(),
			PoolSize:       cfg.PLC.PoolSize,
			AcquireTimeout: cfg.PLC.AcquireTimeout,
			OpTimeout:      cfg.PLC.OpTimeout,
		}, store)
		if err := gw.Connect(); err != nil {
			// The gateway reconnects on its own; a dead PLC at boot is not
			// fatal, the sampler just skips ticks until it comes back.
			common.Logger.WithError(err).Warn("PLC not reachable at startup")
		}
		r.gateway = gw
		r.meta = gw.Metadata()
	default:
		gw := plc.NewSimGateway(store)
		r.gateway = gw
		r.meta = gw.Metadata()
	}

	r.machines = db.NewMachineRepo(pg, cfg.MachineID)
	r.writer = db.NewDualModeWriter(pg, r.machines, cfg.Writer.ChunkSize)

	procs := db.NewProcessRepo(pg, cfg.MachineID)
	commands := db.NewCommandRepo(pg)
	paramWriter := params.NewWriter(r.meta, r.gateway, r.writer)

	r.smp = sampler.New(r.gateway, r.meta, r.writer, r.machines, r.buffer, cfg.Sampler.Interval)
	r.dispatcher = command.NewDispatcher(r.gateway, store, r.machines, procs, paramWriter, commands)

	sub := db.NewListener(pg.Pool(), db.CommandChannel)
	r.listener = command.NewListener(sub, commands, r.dispatcher, cfg.MachineID)

	if cfg.Health.Port > 0 {
		probes := health.Probes{
			MachineID:       cfg.MachineID,
			Database:        pg,
			PLCConnected:    r.gateway.Connected,
			SamplerErrors:   r.smp.ErrorCount,
			IntegrityFaults: r.writer.IntegrityFaults,
			CommandMode:     r.listener.Mode,
			RecipeRunning:   r.dispatcher.Running,
		}
		if r.buffer != nil {
			probes.SpoolBacklog = func() int {
				n, err := r.buffer.Len()
				if err != nil {
					return 0
				}
				return n
			}
		}
		r.healthSrv = health.NewServer(fmt.Sprintf(":%d", cfg.Health.Port), probes)
	}

	return r, nil
}

// Run starts every component and blocks until ctx is cancelled, then tears
// the runtime down in dependency order.
func (r *Runtime) Run(ctx context.Context) error {
	log := common.Logger.WithField("machine_id", r.cfg.MachineID)
	log.Info("agent starting")

	// A machine parked offline by a previous shutdown comes back as idle so
	// commands can be accepted again.
	if state, err := r.machines.MachineState(ctx); err != nil {
		log.WithError(err).Warn("could not read machine state at startup")
	} else if state.Status == db.StatusOffline {
		if err := r.machines.UpdateMachineState(ctx, db.StatusIdle, nil); err != nil {
			log.WithError(err).Warn("could not bring machine online")
		}
	}

	if r.healthSrv != nil {
		go func() {
			if err := r.healthSrv.Start(); err != nil {
				log.WithError(err).Error("health endpoint failed")
			}
		}()
	}
	r.smp.Start()
	r.listener.Start()

	log.Info("agent running")
	<-ctx.Done()
	log.Info("agent shutting down")

	r.shutdown()
	log.Info("agent stopped")
	return nil
}

// shutdown stops intake first, then waits out in-flight work, then closes
// connections: listener, active recipe, sampler, writer, health, gateway,
// spool, database.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.listener.Stop()

	select {
	case <-r.dispatcher.CancelCurrent():
	case <-ctx.Done():
		common.Logger.Warn("recipe did not stop within shutdown window")
	}

	r.smp.Stop()
	r.writer.Shutdown()

	if err := r.machines.UpdateMachineState(ctx, db.StatusOffline, nil); err != nil {
		common.Logger.WithError(err).Warn("could not mark machine offline")
	}

	if r.healthSrv != nil {
		if err := r.healthSrv.Shutdown(ctx); err != nil {
			common.Logger.WithError(err).Warn("health endpoint shutdown failed")
		}
	}
	if err := r.gateway.Close(); err != nil {
		common.Logger.WithError(err).Warn("gateway close failed")
	}
	r.closePartial()
}

// closePartial releases the storage handles; safe on a half-built runtime.
func (r *Runtime) closePartial() {
	if r.buffer != nil {
		if err := r.buffer.Close(); err != nil {
			common.Logger.WithError(err).Warn("spool close failed")
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			common.Logger.WithError(err).Warn("metadata store close failed")
		}
	}
	if r.pg != nil {
		r.pg.Close()
	}
}
