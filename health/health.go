// Package health serves the agent's liveness endpoint. The report folds the
// runtime's degradation signals into one of three states: healthy, degraded
// (running but impaired on one side), and unhealthy (cut off from both the
// PLC and the database, or telemetry integrity is in question).
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nanofab/ald-agent/common"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Report is the /healthz response body.
type Report struct {
	Status          string    `json:"status"`
	MachineID       string    `json:"machine_id"`
	PLCConnected    bool      `json:"plc_connected"`
	DatabaseOK      bool      `json:"database_ok"`
	SamplerErrors   int       `json:"sampler_errors"`
	IntegrityFaults int64     `json:"integrity_faults"`
	SpoolBacklog    int       `json:"spool_backlog"`
	CommandMode     string    `json:"command_mode"`
	RecipeRunning   bool      `json:"recipe_running"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Pinger verifies database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probes collects the runtime signals the report is built from.
type Probes struct {
	MachineID       string
	Database        Pinger
	PLCConnected    func() bool
	SamplerErrors   func() int
	IntegrityFaults func() int64
	// SpoolBacklog may be nil when the local spool is disabled.
	SpoolBacklog  func() int
	CommandMode   func() string
	RecipeRunning func() bool
}

// Server is the echo instance behind /healthz.
type Server struct {
	e       *echo.Echo
	probes  Probes
	addr    string
	started time.Time
}

// NewServer creates the health server on addr.
func NewServer(addr string, probes Probes) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, probes: probes, addr: addr, started: time.Now()}
	e.GET("/healthz", s.healthz)
	return s
}

// Start serves until Shutdown. Blocking; run it in a goroutine.
func (s *Server) Start() error {
	common.Logger.WithField("addr", s.addr).Info("health endpoint listening")
	err := s.e.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	report := Report{
		MachineID:       s.probes.MachineID,
		PLCConnected:    s.probes.PLCConnected(),
		DatabaseOK:      s.probes.Database.Ping(ctx) == nil,
		SamplerErrors:   s.probes.SamplerErrors(),
		IntegrityFaults: s.probes.IntegrityFaults(),
		CommandMode:     s.probes.CommandMode(),
		RecipeRunning:   s.probes.RecipeRunning(),
		UptimeSeconds:   time.Since(s.started).Seconds(),
		CheckedAt:       time.Now().UTC(),
	}
	if s.probes.SpoolBacklog != nil {
		report.SpoolBacklog = s.probes.SpoolBacklog()
	}
	report.Status = classify(report)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// classify folds the signals. Losing both the PLC and the database, or a
// failed compensation, is unhealthy. Any single impairment — PLC down,
// database down, sampler backlog, spooled samples, polling fallback — is
// degraded: the agent is still doing useful work on the other side.
func classify(r Report) string {
	if (!r.PLCConnected && !r.DatabaseOK) || r.IntegrityFaults > 0 {
		return StatusUnhealthy
	}
	if !r.PLCConnected || !r.DatabaseOK || r.SamplerErrors > 0 ||
		r.SpoolBacklog > 0 || r.CommandMode == "polling" {
		return StatusDegraded
	}
	return StatusHealthy
}
