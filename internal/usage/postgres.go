package usage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/governor/internal/monthkey"
)

// PostgresStore persists counters in the token_usage table. Every increment
// is a single upsert so concurrent callers on the same key serialize on the
// row lock and never lose an update.
type PostgresStore struct {
	pool       *pgxpool.Pool
	limits     LimitFunc
	thresholds Thresholds
}

func NewPostgresStore(pool *pgxpool.Pool, limits LimitFunc, thresholds Thresholds) *PostgresStore {
	return &PostgresStore{pool: pool, limits: limits, thresholds: thresholds}
}

const selectRecord = `
SELECT agent_id, provider, month_key, tokens_in, tokens_out, total_tokens,
       request_count, monthly_limit, status, last_request_at
FROM token_usage
WHERE agent_id = $1 AND provider = $2 AND month_key = $3`

func (s *PostgresStore) Get(ctx context.Context, key Key) (Record, error) {
	row := s.pool.QueryRow(ctx, selectRecord, string(key.Agent), string(key.Provider), key.Month.String())
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return zeroRecord(key, s.limits(key.Agent, key.Provider)), nil
	}
	if err != nil {
		return Record{}, storageErr("get", err)
	}
	return rec, nil
}

// incrementRecord folds the new counts into the row and recomputes the
// status in SQL. The status CASE preserves suspension and, because totals
// only grow, every other transition is monotonic by construction. A
// non-positive limit suspends immediately (always-exhausted).
const incrementRecord = `
INSERT INTO token_usage (
    agent_id, provider, month_key, tokens_in, tokens_out, total_tokens,
    request_count, monthly_limit, status, last_request_at
) VALUES ($1, $2, $3, $4, $5, $4 + $5, 1, $6, $7, $8)
ON CONFLICT (agent_id, provider, month_key) DO UPDATE SET
    tokens_in       = token_usage.tokens_in + $4,
    tokens_out      = token_usage.tokens_out + $5,
    total_tokens    = token_usage.total_tokens + $4 + $5,
    request_count   = token_usage.request_count + 1,
    last_request_at = $8,
    status = CASE
        WHEN token_usage.status = 'suspended' THEN 'suspended'
        WHEN token_usage.monthly_limit <= 0
             OR token_usage.total_tokens + $4 + $5 >= token_usage.monthly_limit THEN 'suspended'
        WHEN (token_usage.total_tokens + $4 + $5) * 100.0 >= token_usage.monthly_limit * $10 THEN 'critical'
        WHEN (token_usage.total_tokens + $4 + $5) * 100.0 >= token_usage.monthly_limit * $9 THEN 'warning'
        ELSE 'active'
    END
RETURNING agent_id, provider, month_key, tokens_in, tokens_out, total_tokens,
          request_count, monthly_limit, status, last_request_at`

func (s *PostgresStore) Increment(ctx context.Context, key Key, tokensIn, tokensOut int64) (Record, error) {
	limit := s.limits(key.Agent, key.Provider)
	freshPct := float64(0)
	if limit > 0 {
		freshPct = float64(tokensIn+tokensOut) / float64(limit) * 100
	} else {
		freshPct = 100
	}
	freshStatus := s.thresholds.StatusFor(freshPct)

	row := s.pool.QueryRow(ctx, incrementRecord,
		string(key.Agent), string(key.Provider), key.Month.String(),
		tokensIn, tokensOut, limit, string(freshStatus), time.Now().UTC(),
		s.thresholds.WarningPct, s.thresholds.CriticalPct,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, storageErr("increment", err)
	}
	return rec, nil
}

const resetRecord = `
UPDATE token_usage
SET tokens_in = 0, tokens_out = 0, total_tokens = 0, request_count = 0,
    status = 'active', last_request_at = NULL
WHERE agent_id = $1 AND provider = $2 AND month_key = $3`

func (s *PostgresStore) ResetMonth(ctx context.Context, key Key) error {
	tag, err := s.pool.Exec(ctx, resetRecord, string(key.Agent), string(key.Provider), key.Month.String())
	if err != nil {
		return storageErr("reset", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const listMonth = `
SELECT agent_id, provider, month_key, tokens_in, tokens_out, total_tokens,
       request_count, monthly_limit, status, last_request_at
FROM token_usage
WHERE month_key = $1
ORDER BY agent_id, provider`

func (s *PostgresStore) ListMonth(ctx context.Context, month monthkey.Key) ([]Record, error) {
	rows, err := s.pool.Query(ctx, listMonth, month.String())
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

const selectHistory = `
SELECT agent_id, provider, month_key, tokens_in, tokens_out, total_tokens,
       request_count, monthly_limit, status, last_request_at
FROM token_usage
WHERE agent_id = $1 AND provider = $2 AND month_key >= $3
ORDER BY month_key DESC`

func (s *PostgresStore) History(ctx context.Context, agent AgentID, provider ProviderID, months int) ([]Record, error) {
	if months <= 0 {
		months = 6
	}
	earliest := monthkey.Current()
	for i := 1; i < months; i++ {
		earliest = earliest.Prev()
	}
	rows, err := s.pool.Query(ctx, selectHistory, string(agent), string(provider), earliest.String())
	if err != nil {
		return nil, storageErr("history", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		agent    string
		provider string
		month    string
		status   string
		lastReq  *time.Time
	)
	err := row.Scan(&agent, &provider, &month, &rec.TokensIn, &rec.TokensOut,
		&rec.TotalTokens, &rec.RequestCount, &rec.MonthlyLimit, &status, &lastReq)
	if err != nil {
		return Record{}, err
	}
	mk, err := monthkey.Parse(month)
	if err != nil {
		return Record{}, err
	}
	rec.Key = Key{Agent: AgentID(agent), Provider: ProviderID(provider), Month: mk}
	rec.Status = Status(status)
	if lastReq != nil {
		rec.LastRequestAt = lastReq.UTC()
	}
	return rec, nil
}
