// Package store persists the global state sequence in PostgreSQL.
//
// The reducer is the only writer; the fan-out bridge and the health
// probe read committed rows. Rows are append-only: there is no UPDATE
// or DELETE path in this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/thebutton/backend/internal/core"
)

// ErrNoState is returned when no global state row exists yet. The
// reducer converts it to the genesis state; the API maps it to 404.
var ErrNoState = errors.New("no global state found")

// StateRepository is the narrow repository contract the pipeline depends
// on. The Postgres implementation below is the production one; tests
// substitute in-memory fakes.
type StateRepository interface {
	Insert(ctx context.Context, ns core.NewState) (core.GlobalState, error)
	Latest(ctx context.Context) (core.GlobalState, error)
	ByID(ctx context.Context, id int64) (core.GlobalState, error)
	Ping(ctx context.Context) error
}

// Postgres implements StateRepository over database/sql.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for collaborators that share the
// connection pool (the ruleset registry, schema setup).
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

const stateColumns = `id, last_applied_offset, counter, phase, entropy,
	reveal_until_ms, cooldown_ms, updated_at_ms, rules_hash, created_at`

func scanState(row *sql.Row) (core.GlobalState, error) {
	var (
		gs       core.GlobalState
		cooldown sql.NullInt64
	)
	err := row.Scan(&gs.ID, &gs.LastAppliedOffset, &gs.Counter, &gs.Phase,
		&gs.Entropy, &gs.RevealUntilMS, &cooldown, &gs.UpdatedAtMS,
		&gs.RulesHash, &gs.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.GlobalState{}, ErrNoState
		}
		return core.GlobalState{}, fmt.Errorf("scan global state: %w", err)
	}
	if cooldown.Valid {
		v := cooldown.Int64
		gs.CooldownMS = &v
	}
	return gs, nil
}

// Insert appends one new state row and returns it with its assigned id.
func (p *Postgres) Insert(ctx context.Context, ns core.NewState) (core.GlobalState, error) {
	var cooldown sql.NullInt64
	if ns.CooldownMS != nil {
		cooldown = sql.NullInt64{Int64: *ns.CooldownMS, Valid: true}
	}

	row := p.db.QueryRowContext(ctx,
		`INSERT INTO global_states
		   (last_applied_offset, counter, phase, entropy, reveal_until_ms,
		    cooldown_ms, updated_at_ms, rules_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+stateColumns,
		ns.LastAppliedOffset, ns.Counter, int(ns.Phase), ns.Entropy,
		ns.RevealUntilMS, cooldown, ns.UpdatedAtMS, ns.RulesHash)

	gs, err := scanState(row)
	if err != nil {
		return core.GlobalState{}, fmt.Errorf("insert global state: %w", err)
	}
	return gs, nil
}

// Latest returns the row with the highest id.
func (p *Postgres) Latest(ctx context.Context) (core.GlobalState, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM global_states ORDER BY id DESC LIMIT 1")
	return scanState(row)
}

// ByID returns one specific state row.
func (p *Postgres) ByID(ctx context.Context, id int64) (core.GlobalState, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM global_states WHERE id = $1", id)
	return scanState(row)
}

// Ping reports store reachability for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
