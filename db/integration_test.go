//go:build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nanofab/ald-agent/plc"
)

// setupPostgresContainer starts a PostgreSQL container for testing.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

const testSchema = `
CREATE TABLE machines (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'idle',
	current_process_id TEXT,
	last_heartbeat TIMESTAMPTZ,
	error_message TEXT,
	updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE TABLE component_parameter_definitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	unit TEXT,
	description TEXT
);
CREATE TABLE component_parameters (
	id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	name TEXT NOT NULL,
	modbus_address INT NOT NULL,
	data_type TEXT NOT NULL DEFAULT 'float',
	definition_id TEXT REFERENCES component_parameter_definitions(id),
	min_value DOUBLE PRECISION,
	max_value DOUBLE PRECISION,
	set_value DOUBLE PRECISION,
	current_value DOUBLE PRECISION,
	read_interval_ms INT NOT NULL DEFAULT 1000,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE TABLE process_executions (
	id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	recipe_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	operator_id TEXT,
	status TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	recipe_version JSONB NOT NULL,
	total_steps INT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ DEFAULT NOW(),
	updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE TABLE parameter_value_history (
	id BIGSERIAL PRIMARY KEY,
	parameter_id TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	set_point DOUBLE PRECISION,
	timestamp TIMESTAMPTZ NOT NULL,
	transaction_id TEXT NOT NULL
);
CREATE TABLE process_data_points (
	id BIGSERIAL PRIMARY KEY,
	process_id TEXT NOT NULL,
	parameter_id TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	set_point DOUBLE PRECISION,
	timestamp TIMESTAMPTZ NOT NULL,
	transaction_id TEXT NOT NULL
);
CREATE TABLE recipe_commands (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	parameters JSONB,
	machine_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	created_at TIMESTAMPTZ DEFAULT NOW(),
	updated_at TIMESTAMPTZ DEFAULT NOW()
);
`

func setupDB(t *testing.T) (*Postgres, func()) {
	dsn, cleanup := setupPostgresContainer(t)

	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, 5*time.Second)
	require.NoError(t, err)

	_, err = pg.Exec(ctx, testSchema)
	require.NoError(t, err)

	_, err = pg.Exec(ctx, `INSERT INTO machines (id, status) VALUES ('machine-1', 'idle')`)
	require.NoError(t, err)

	return pg, func() {
		pg.Close()
		cleanup()
	}
}

func TestIntegration_MachineTransitions(t *testing.T) {
	pg, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := NewMachineRepo(pg, "machine-1")

	state, err := repo.MachineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)

	pid := "proc-1"
	_, err = pg.Exec(ctx, `
		INSERT INTO process_executions (id, machine_id, recipe_id, session_id, status, start_time, recipe_version, total_steps)
		VALUES ($1, 'machine-1', 'r', 's', 'running', NOW(), '{}', 1)`, pid)
	require.NoError(t, err)

	state, err = repo.TransitionState(ctx, StatusIdle, StatusProcessing, &pid)
	require.NoError(t, err)
	assert.True(t, state.IsProcessing())

	// A second claim of the machine loses the conditional update.
	_, err = repo.TransitionState(ctx, StatusIdle, StatusProcessing, &pid)
	assert.Error(t, err)

	require.NoError(t, repo.ReleaseToIdle(ctx))
	state, err = repo.MachineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	assert.Nil(t, state.CurrentProcessID)
}

func TestIntegration_DualModeWriter(t *testing.T) {
	pg, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := NewMachineRepo(pg, "machine-1")
	w := NewDualModeWriter(pg, repo, 50)

	_, err := pg.Exec(ctx, `
		INSERT INTO component_parameters (id, machine_id, name, modbus_address)
		VALUES ('p1', 'machine-1', 'temp', 10), ('p2', 'machine-1', 'pressure', 11)`)
	require.NoError(t, err)
	_, err = pg.Exec(ctx, `
		INSERT INTO process_executions (id, machine_id, recipe_id, session_id, status, start_time, recipe_version, total_steps)
		VALUES ('proc-1', 'machine-1', 'r', 's', 'running', NOW(), '{}', 1)`)
	require.NoError(t, err)

	pid := "proc-1"
	batch := []plc.ParameterValue{
		{ParameterID: "p1", Value: 25.0, Timestamp: time.Now(), Quality: plc.QualityGood},
		{ParameterID: "p2", Value: 1.33, Timestamp: time.Now(), Quality: plc.QualityGood},
	}
	res := w.InsertDualModeAtomic(ctx, batch, MachineState{Status: StatusProcessing, CurrentProcessID: &pid})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.HistoryCount)
	assert.Equal(t, 2, res.ProcessCount)
	assert.Equal(t, 2, res.ComponentCount)

	var current float64
	err = pg.QueryRow(ctx, `SELECT current_value FROM component_parameters WHERE id = 'p1'`).Scan(&current)
	require.NoError(t, err)
	assert.Equal(t, 25.0, current)

	var n int
	err = pg.QueryRow(ctx, `SELECT COUNT(*) FROM process_data_points WHERE transaction_id = $1`, res.TransactionID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIntegration_CommandClaimIsExclusive(t *testing.T) {
	pg, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := pg.Exec(ctx, `
		INSERT INTO recipe_commands (id, type, machine_id) VALUES ('cmd-1', 'start_recipe', 'machine-1')`)
	require.NoError(t, err)

	repo := NewCommandRepo(pg)

	won, err := repo.Claim(ctx, "cmd-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.Claim(ctx, "cmd-1")
	require.NoError(t, err)
	assert.False(t, won, "second claim must lose")
}

func TestIntegration_ListenerReceivesNotifications(t *testing.T) {
	pg, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	l := NewListener(pg.Pool(), CommandChannel)
	events := make(chan CommandEvent, 1)
	l.OnEvent(func(e CommandEvent) { events <- e })
	l.Start()
	defer l.Stop()

	require.Eventually(t, func() bool { return l.Subscribed() }, 5*time.Second, 50*time.Millisecond)

	_, err := pg.Exec(ctx, fmt.Sprintf(
		`NOTIFY %s, '{"id":"cmd-9","type":"start_recipe","status":"pending"}'`, CommandChannel))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "cmd-9", e.ID)
		assert.Equal(t, "start_recipe", e.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}
}
