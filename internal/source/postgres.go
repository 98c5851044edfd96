package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagwatch/internal/core"
)

// PostgresFetcher reads flags straight from the flags table. The version is
// derived from the row count and the newest updated_at, so inserts, updates
// and deletes all change it.
type PostgresFetcher struct {
	pool *pgxpool.Pool
}

func NewPostgresFetcher(pool *pgxpool.Pool) (*PostgresFetcher, error) {
	if pool == nil {
		return nil, errors.New("postgres fetcher: pool is nil")
	}
	return &PostgresFetcher{pool: pool}, nil
}

// flagRow mirrors one row of the flags table.
type flagRow struct {
	Key            string
	Enabled        bool
	FlagType       string
	DefaultVariant string
	Variants       json.RawMessage
	Rules          json.RawMessage
	Metadata       json.RawMessage
}

func (f *PostgresFetcher) Fetch(ctx context.Context, lastVersion string) (Result, error) {
	tx, err := f.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, fmt.Errorf("begin read: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		count  int64
		newest time.Time
	)
	if err := tx.QueryRow(ctx, `
		SELECT count(*), COALESCE(max(updated_at), 'epoch'::timestamptz)
		FROM flags
	`).Scan(&count, &newest); err != nil {
		return Result{}, fmt.Errorf("read ruleset version: %w", err)
	}

	version := postgresVersion(count, newest)
	if lastVersion != "" && version == lastVersion {
		return Result{NotModified: true}, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT key, enabled, flag_type, default_variant, variants, rules, metadata
		FROM flags
		ORDER BY key
	`)
	if err != nil {
		return Result{}, fmt.Errorf("list flags: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (flagRow, error) {
		var r flagRow
		err := row.Scan(&r.Key, &r.Enabled, &r.FlagType, &r.DefaultVariant, &r.Variants, &r.Rules, &r.Metadata)
		return r, err
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan flags: %w", err)
	}

	flags := make([]core.Flag, 0, len(records))
	for _, record := range records {
		flag, err := record.toCore()
		if err != nil {
			return Result{}, err
		}
		flags = append(flags, flag)
	}

	ruleset, err := Payload{Version: version, Flags: flags}.Ruleset()
	if err != nil {
		return Result{}, err
	}
	return Result{Ruleset: ruleset}, nil
}

// UpsertFlag writes flag into the flags table, bumping updated_at.
func (f *PostgresFetcher) UpsertFlag(ctx context.Context, flag core.Flag) error {
	if err := flag.Validate(); err != nil {
		return err
	}

	variants, err := json.Marshal(flag.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	rules, err := json.Marshal(flag.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	metadata, err := json.Marshal(flag.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = f.pool.Exec(ctx, `
		INSERT INTO flags (key, enabled, flag_type, default_variant, variants, rules, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    flag_type = EXCLUDED.flag_type,
		    default_variant = EXCLUDED.default_variant,
		    variants = EXCLUDED.variants,
		    rules = EXCLUDED.rules,
		    metadata = EXCLUDED.metadata,
		    updated_at = clock_timestamp()
	`, flag.Key, flag.State != core.StateDisabled, string(flag.Type), flag.DefaultVariant,
		variants, ensureJSON(rules, "[]"), ensureJSON(metadata, "{}"))
	if err != nil {
		return fmt.Errorf("upsert flag %q: %w", flag.Key, err)
	}
	return nil
}

func (f *PostgresFetcher) DeleteFlag(ctx context.Context, key string) error {
	tag, err := f.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag %q: %w", key, pgx.ErrNoRows)
	}
	return nil
}

func (r flagRow) toCore() (core.Flag, error) {
	flag := core.Flag{
		Key:            r.Key,
		State:          core.StateEnabled,
		Type:           core.Type(r.FlagType),
		DefaultVariant: r.DefaultVariant,
	}
	if !r.Enabled {
		flag.State = core.StateDisabled
	}

	if err := unmarshalColumn(r.Variants, &flag.Variants); err != nil {
		return core.Flag{}, fmt.Errorf("%w: flag %q variants: %v", ErrParse, r.Key, err)
	}
	if err := unmarshalColumn(r.Rules, &flag.Rules); err != nil {
		return core.Flag{}, fmt.Errorf("%w: flag %q rules: %v", ErrParse, r.Key, err)
	}
	if err := unmarshalColumn(r.Metadata, &flag.Metadata); err != nil {
		return core.Flag{}, fmt.Errorf("%w: flag %q metadata: %v", ErrParse, r.Key, err)
	}
	return flag, nil
}

func unmarshalColumn(payload json.RawMessage, target any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, target)
}

func ensureJSON(payload []byte, fallback string) []byte {
	if len(payload) == 0 || string(payload) == "null" {
		return []byte(fallback)
	}
	return payload
}

func postgresVersion(count int64, newest time.Time) string {
	return fmt.Sprintf("%d:%d", count, newest.UTC().UnixNano())
}

func (f *PostgresFetcher) Close() error {
	f.pool.Close()
	return nil
}
