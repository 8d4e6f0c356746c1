package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ztalkd/router"
	"ztalkd/transport"
)

func kindToText(kind transport.MessageKind) string {
	switch kind {
	case transport.MessagePrivate:
		return "private"
	case transport.MessageGroup:
		return "group"
	default:
		return "broadcast"
	}
}

func kindFromText(text string) transport.MessageKind {
	switch text {
	case "private":
		return transport.MessagePrivate
	case "group":
		return transport.MessageGroup
	default:
		return transport.MessageBroadcast
	}
}

// SaveMessage records one sent or received message. Replays of the same
// message ID overwrite rather than duplicate.
func (s *Store) SaveMessage(m router.Message) error {
	var recipient, group sql.NullString
	if m.RecipientID != nil {
		recipient = sql.NullString{String: m.RecipientID.String(), Valid: true}
	}
	if m.GroupID != nil {
		group = sql.NullString{String: m.GroupID.String(), Valid: true}
	}

	delivered := 0
	if m.Delivered {
		delivered = 1
	}

	_, err := s.db.Exec(`
INSERT INTO messages (message_id, kind, sender_id, recipient_id, group_id, content, sent_at, delivered)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET delivered = excluded.delivered;
`,
		m.ID.String(), kindToText(m.Kind), m.SenderID.String(),
		recipient, group, m.Content, m.Timestamp.UnixMilli(), delivered)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages, newest first.
func (s *Store) RecentMessages(limit int) ([]router.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
SELECT message_id, kind, sender_id, recipient_id, group_id, content, sent_at, delivered
FROM messages
ORDER BY sent_at DESC, message_id
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []router.Message
	for rows.Next() {
		var (
			rawID, rawKind, rawSender string
			recipient, group          sql.NullString
			content                   string
			sentAt                    int64
			delivered                 int
		)
		if err := rows.Scan(&rawID, &rawKind, &rawSender, &recipient, &group, &content, &sentAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		id, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		sender, err := uuid.Parse(rawSender)
		if err != nil {
			continue
		}

		m := router.Message{
			ID:        id,
			Kind:      kindFromText(rawKind),
			SenderID:  sender,
			Content:   content,
			Timestamp: time.UnixMilli(sentAt),
			Delivered: delivered != 0,
		}
		if recipient.Valid {
			if rid, err := uuid.Parse(recipient.String); err == nil {
				m.RecipientID = &rid
			}
		}
		if group.Valid {
			if gid, err := uuid.Parse(group.String); err == nil {
				m.GroupID = &gid
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMessages removes history older than the retention window and
// reports how many rows were deleted.
func (s *Store) PruneMessages(now time.Time) (int64, error) {
	if s.messageRetention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.messageRetention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM messages WHERE sent_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}
