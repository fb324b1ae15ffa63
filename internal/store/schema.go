package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema migration proper lives outside this repo; EnsureSchema only
// covers dev and test bootstrap where running a migration tool is
// overkill. Statements are idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS global_states (
	id                  BIGSERIAL PRIMARY KEY,
	last_applied_offset BIGINT NOT NULL,
	counter             BIGINT NOT NULL,
	phase               INTEGER NOT NULL,
	entropy             DOUBLE PRECISION NOT NULL,
	reveal_until_ms     BIGINT NOT NULL,
	cooldown_ms         BIGINT,
	updated_at_ms       BIGINT NOT NULL,
	rules_hash          TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rulesets (
	id         BIGSERIAL PRIMARY KEY,
	version    BIGINT NOT NULL,
	hash       TEXT NOT NULL UNIQUE,
	ruleset    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the two pipeline tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
