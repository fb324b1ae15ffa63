package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thebutton/backend/internal/core"
)

// ErrRulesetNotFound is returned when no ruleset matches the lookup.
// For the reducer a miss on a pinned hash is a logical violation and
// escalates to a crash; callers must not swallow it as transient.
var ErrRulesetNotFound = errors.New("ruleset not found")

// Registry is the content-addressed ruleset store backed by the
// relational database. Rulesets are append-only: seeding a config whose
// hash already exists is a no-op.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

const rulesetColumns = "id, version, hash, ruleset, created_at"

func scanRuleset(row *sql.Row) (core.Ruleset, error) {
	var (
		rs  core.Ruleset
		raw []byte
	)
	if err := row.Scan(&rs.ID, &rs.Version, &rs.Hash, &raw, &rs.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Ruleset{}, ErrRulesetNotFound
		}
		return core.Ruleset{}, fmt.Errorf("scan ruleset: %w", err)
	}
	if err := json.Unmarshal(raw, &rs.Config); err != nil {
		return core.Ruleset{}, fmt.Errorf("unmarshal ruleset %s: %w", rs.Hash, err)
	}
	return rs, nil
}

// Latest returns the most recently appended ruleset.
func (r *Registry) Latest(ctx context.Context) (core.Ruleset, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+rulesetColumns+" FROM rulesets ORDER BY id DESC LIMIT 1")
	return scanRuleset(row)
}

// ByHash returns the ruleset pinned by a state's rules_hash. Services
// folding or sweeping must use this, not Latest, so a rules change
// mid-stream cannot split the history under inconsistent semantics.
func (r *Registry) ByHash(ctx context.Context, hash string) (core.Ruleset, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+rulesetColumns+" FROM rulesets WHERE hash = $1 LIMIT 1", hash)
	rs, err := scanRuleset(row)
	if errors.Is(err, ErrRulesetNotFound) {
		return core.Ruleset{}, fmt.Errorf("%w: hash %s", ErrRulesetNotFound, hash)
	}
	return rs, err
}

// Seed appends a new ruleset version for cfg unless its content hash is
// already present. Returns the stored ruleset either way.
func (r *Registry) Seed(ctx context.Context, cfg core.RulesConfig) (core.Ruleset, error) {
	if err := cfg.Validate(); err != nil {
		return core.Ruleset{}, fmt.Errorf("invalid ruleset: %w", err)
	}
	hash := cfg.Hash()

	existing, err := r.ByHash(ctx, hash)
	if err == nil {
		slog.Info("ruleset already seeded", "hash", hash, "version", existing.Version)
		return existing, nil
	}
	if !errors.Is(err, ErrRulesetNotFound) {
		return core.Ruleset{}, err
	}

	var version int64
	if err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM rulesets").Scan(&version); err != nil {
		return core.Ruleset{}, fmt.Errorf("next ruleset version: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return core.Ruleset{}, fmt.Errorf("marshal ruleset: %w", err)
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO rulesets (version, hash, ruleset)
		 VALUES ($1, $2, $3)
		 RETURNING `+rulesetColumns, version, hash, raw)
	rs, err := scanRuleset(row)
	if err != nil {
		return core.Ruleset{}, fmt.Errorf("insert ruleset: %w", err)
	}
	slog.Info("seeded ruleset", "hash", rs.Hash, "version", rs.Version)
	return rs, nil
}
