package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresSink inserts records into the query_audit table.
type PostgresSink struct {
	DB *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink { return &PostgresSink{DB: db} }

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) Write(ctx context.Context, rec Record) error {
	prepare(&rec)
	results, err := json.Marshal(rec.QueryResults)
	if err != nil {
		return fmt.Errorf("encode query results: %w", err)
	}
	_, err = p.DB.ExecContext(ctx, `
INSERT INTO query_audit (id, conversation_id, created_at, user_query, analytics_required, reasoning, query_text, query_results, formatted_response)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.ConversationID, rec.Timestamp, rec.UserQuery, rec.AnalyticsRequired,
		rec.Reasoning, rec.QueryText, string(results), rec.FormattedResponse)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Prune deletes records created before the cutoff and reports how many were removed.
func (p *PostgresSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM query_audit WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}
	return res.RowsAffected()
}
