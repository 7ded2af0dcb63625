package notification

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"
)

// Store is the status projection: messageId -> latest StatusReport,
// last write wins. Absence of a key means "not processed yet or unknown".
type Store interface {
	Set(ctx context.Context, report StatusReport) error
	Get(ctx context.Context, messageID string) (StatusReport, error)
	All(ctx context.Context) (map[string]Outcome, error)
	Records(ctx context.Context) ([]StatusReport, error)
}

func sortReports(reports []StatusReport) {
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].ReportedAt.Equal(reports[j].ReportedAt) {
			return reports[i].ReportedAt.Before(reports[j].ReportedAt)
		}
		return reports[i].MessageID < reports[j].MessageID
	})
}

const createStatusTable = `
        CREATE TABLE IF NOT EXISTS notification_status (
            message_id  TEXT PRIMARY KEY,
            status      VARCHAR(50) NOT NULL,
            reported_at TIMESTAMPTZ NOT NULL,
            updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the status table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createStatusTable)
	return err
}

func (s *PostgresStore) Set(ctx context.Context, report StatusReport) error {
	query := `
        INSERT INTO notification_status (message_id, status, reported_at, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (message_id) DO UPDATE
        SET status = EXCLUDED.status,
            reported_at = EXCLUDED.reported_at,
            updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, report.MessageID, report.Outcome, report.ReportedAt.UTC(), time.Now().UTC())
	return err
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (StatusReport, error) {
	query := `
        SELECT message_id, status, reported_at
        FROM notification_status
        WHERE message_id = $1`

	var r StatusReport
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&r.MessageID, &r.Outcome, &r.ReportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusReport{}, ErrStatusNotFound
	}
	if err != nil {
		return StatusReport{}, err
	}
	r.ReportedAt = Timestamp(r.ReportedAt)
	return r, nil
}

func (s *PostgresStore) All(ctx context.Context) (map[string]Outcome, error) {
	reports, err := s.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Outcome, len(reports))
	for _, r := range reports {
		out[r.MessageID] = r.Outcome
	}
	return out, nil
}

func (s *PostgresStore) Records(ctx context.Context) ([]StatusReport, error) {
	query := `
        SELECT message_id, status, reported_at
        FROM notification_status
        ORDER BY reported_at ASC, message_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []StatusReport{}
	for rows.Next() {
		var r StatusReport
		if err := rows.Scan(&r.MessageID, &r.Outcome, &r.ReportedAt); err != nil {
			return nil, err
		}
		r.ReportedAt = Timestamp(r.ReportedAt)
		reports = append(reports, r)
	}

	return reports, rows.Err()
}
