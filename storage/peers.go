package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeerRecord is the persisted view of a peer: identity plus last known
// address, kept across restarts so recently seen peers survive a daemon
// bounce.
type PeerRecord struct {
	ID          uuid.UUID
	DisplayName string
	LastIP      string
	LastPort    int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// UpsertPeer records a peer sighting. The first-seen timestamp is kept
// from the earliest insert; everything else reflects the latest sighting.
func (s *Store) UpsertPeer(record PeerRecord) error {
	_, err := s.db.Exec(`
INSERT INTO peers (peer_id, display_name, last_known_ip, last_known_port, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
  display_name    = excluded.display_name,
  last_known_ip   = excluded.last_known_ip,
  last_known_port = excluded.last_known_port,
  last_seen       = excluded.last_seen;
`,
		record.ID.String(), record.DisplayName, record.LastIP, record.LastPort,
		record.FirstSeen.UnixMilli(), record.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// RecentPeers returns persisted peers ordered by most recent sighting.
func (s *Store) RecentPeers(limit int) ([]PeerRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
SELECT peer_id, display_name, last_known_ip, last_known_port, first_seen, last_seen
FROM peers
ORDER BY last_seen DESC, peer_id
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var (
			rawID, name         string
			ip                  sql.NullString
			port                sql.NullInt64
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&rawID, &name, &ip, &port, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		out = append(out, PeerRecord{
			ID:          id,
			DisplayName: name,
			LastIP:      ip.String,
			LastPort:    int(port.Int64),
			FirstSeen:   time.UnixMilli(firstSeen),
			LastSeen:    time.UnixMilli(lastSeen),
		})
	}
	return out, rows.Err()
}

// DeletePeer removes a persisted peer.
func (s *Store) DeletePeer(id uuid.UUID) error {
	if _, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?;`, id.String()); err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return nil
}
