package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// PostgresDecisionLog implements DecisionLog on PostgreSQL, sharing the
// metadata store's connection pool.
type PostgresDecisionLog struct {
	pool *pgxpool.Pool
}

// NewPostgresDecisionLog creates the decision log and ensures its schema.
func NewPostgresDecisionLog(pool *pgxpool.Pool) (*PostgresDecisionLog, error) {
	l := &PostgresDecisionLog{pool: pool}
	schema := `
		CREATE TABLE IF NOT EXISTS txn_decisions (
			txn_id TEXT PRIMARY KEY,
			decision SMALLINT NOT NULL,
			commit_ts BIGINT NOT NULL,
			participants JSONB NOT NULL,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := pool.Exec(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("failed to ensure decision log schema: %w", err)
	}
	return l, nil
}

func (l *PostgresDecisionLog) Record(ctx context.Context, rec *DecisionRecord) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	query := `
		INSERT INTO txn_decisions (txn_id, decision, commit_ts, participants)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (txn_id) DO NOTHING
	`
	if _, err := l.pool.Exec(ctx, query, rec.TxnID, rec.Decision, int64(rec.CommitTS), participants); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}

	// INSERT .. DO NOTHING swallows a duplicate; a conflicting outcome for
	// the same txn id means the log is corrupt.
	existing, err := l.Get(ctx, rec.TxnID)
	if err != nil {
		return err
	}
	if existing.Decision != rec.Decision {
		return errors.Newf(errors.CodeCoordinatorCrashRecovery,
			"conflicting decision for txn %s: logged %s, got %s", rec.TxnID, existing.Decision, rec.Decision)
	}
	return nil
}

func (l *PostgresDecisionLog) Get(ctx context.Context, txnID string) (*DecisionRecord, error) {
	query := `
		SELECT txn_id, decision, commit_ts, participants, applied, logged_at
		FROM txn_decisions
		WHERE txn_id = $1
	`
	rec, err := l.scanOne(l.pool.QueryRow(ctx, query, txnID))
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.CodeNotFound, "no decision for txn %s", txnID)
	}
	return rec, err
}

func (l *PostgresDecisionLog) Unapplied(ctx context.Context) ([]*DecisionRecord, error) {
	query := `
		SELECT txn_id, decision, commit_ts, participants, applied, logged_at
		FROM txn_decisions
		WHERE applied = FALSE
		ORDER BY logged_at
	`
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unapplied decisions: %w", err)
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		rec, err := l.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *PostgresDecisionLog) MarkApplied(ctx context.Context, txnID string) error {
	tag, err := l.pool.Exec(ctx, `UPDATE txn_decisions SET applied = TRUE WHERE txn_id = $1`, txnID)
	if err != nil {
		return fmt.Errorf("failed to mark decision applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeNotFound, "no decision for txn %s", txnID)
	}
	return nil
}

func (l *PostgresDecisionLog) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM txn_decisions WHERE applied = TRUE AND logged_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *PostgresDecisionLog) Close() {}

func (l *PostgresDecisionLog) scanOne(row pgx.Row) (*DecisionRecord, error) {
	var (
		rec      DecisionRecord
		decision int16
		commitTS int64
		raw      []byte
	)
	if err := row.Scan(&rec.TxnID, &decision, &commitTS, &raw, &rec.Applied, &rec.LoggedAt); err != nil {
		return nil, err
	}
	rec.Decision = model.Decision(decision)
	rec.CommitTS = uint64(commitTS)
	if err := json.Unmarshal(raw, &rec.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	return &rec, nil
}
