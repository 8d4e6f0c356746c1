package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ztalkd/router"
)

// SaveGroup persists a group and its membership. Membership rows are
// insert-only, matching the append-only merge semantics upstream.
func (s *Store) SaveGroup(group router.Group) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin group transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`
INSERT INTO groups (group_id, name, created_at)
VALUES (?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET name = excluded.name;
`, group.ID.String(), group.Name, group.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}

	for _, member := range group.MemberIDs {
		_, err = tx.Exec(`
INSERT INTO group_members (group_id, member_id)
VALUES (?, ?)
ON CONFLICT(group_id, member_id) DO NOTHING;
`, group.ID.String(), member.String())
		if err != nil {
			return fmt.Errorf("save group member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group transaction: %w", err)
	}
	return nil
}

// LoadGroups returns all persisted groups with membership.
func (s *Store) LoadGroups() ([]router.Group, error) {
	rows, err := s.db.Query(`SELECT group_id, name, created_at FROM groups ORDER BY name, group_id;`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []router.Group
	for rows.Next() {
		var (
			rawID, name string
			createdAt   int64
		)
		if err := rows.Scan(&rawID, &name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		out = append(out, router.Group{
			ID:        id,
			Name:      name,
			CreatedAt: time.UnixMilli(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		members, err := s.groupMembers(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].MemberIDs = members
	}
	return out, nil
}

func (s *Store) groupMembers(groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(`SELECT member_id FROM group_members WHERE group_id = ? ORDER BY member_id;`, groupID.String())
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		if id, err := uuid.Parse(raw); err == nil {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}
