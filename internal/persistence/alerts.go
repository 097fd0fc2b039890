package persistence

import (
	"context"
	"time"
)

// AlertRecord is the durable form of an ops.Alert.
type AlertRecord struct {
	Code      string
	Severity  string
	Message   string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
	Acked     bool
}

// UpsertAlert overwrites the stored row for code with the current state.
// Like usage, the Ops aggregator keeps the authoritative in-memory copy
// and persists on its export cadence, not per-occurrence.
func (s *Store) UpsertAlert(a AlertRecord) error {
	ctx := context.Background()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO alerts (code, severity, message, count, first_seen, last_seen, acked)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET
				severity = excluded.severity,
				message = excluded.message,
				count = excluded.count,
				last_seen = excluded.last_seen,
				acked = excluded.acked;
		`, a.Code, a.Severity, a.Message, a.Count, a.FirstSeen, a.LastSeen, a.Acked)
		return err
	})
}

// LoadAlerts returns every durable alert, used to seed the Ops aggregator
// at process start.
func (s *Store) LoadAlerts() ([]AlertRecord, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, severity, message, count, first_seen, last_seen, acked FROM alerts;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.Code, &a.Severity, &a.Message, &a.Count, &a.FirstSeen, &a.LastSeen, &a.Acked); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAlert removes a durable alert row, used when the in-memory
// aggregator prunes an expired acked alert.
func (s *Store) DeleteAlert(code string) error {
	ctx := context.Background()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE code = ?;`, code)
		return err
	})
}
