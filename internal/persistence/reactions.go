package persistence

import (
	"context"
	"time"
)

// ReactionRecord is the durable form of a mood.ReactionEntry. Kept as a
// plain local type rather than importing internal/mood, so persistence
// stays a leaf package; the wiring layer converts between the two.
type ReactionRecord struct {
	ChatID    string
	MessageID string
	Emoji     string
	FromOwner bool
	At        time.Time
}

// RecordReaction appends one reaction to the durable log. The log is
// append-only: reactions are never edited or deleted in place, only
// superseded by later entries when the Reaction & Mood Engine rebuilds
// its in-memory decayed scores at startup.
func (s *Store) RecordReaction(r ReactionRecord) error {
	ctx := context.Background()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reaction_log (chat_id, message_id, emoji, from_owner, at)
			VALUES (?, ?, ?, ?, ?);
		`, r.ChatID, r.MessageID, r.Emoji, r.FromOwner, r.At)
		return err
	})
}

// ListReactions returns up to limit most-recent reactions for chatID,
// newest first. limit <= 0 returns every reaction for the chat.
func (s *Store) ListReactions(chatID string, limit int) ([]ReactionRecord, error) {
	ctx := context.Background()
	query := `SELECT chat_id, message_id, emoji, from_owner, at FROM reaction_log WHERE chat_id = ? ORDER BY at DESC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReactionRecord
	for rows.Next() {
		var r ReactionRecord
		if err := rows.Scan(&r.ChatID, &r.MessageID, &r.Emoji, &r.FromOwner, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
