package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ztalkd/bus"
)

// Group is a named set of peers. The local identity is always a member of
// groups it creates.
type Group struct {
	ID        uuid.UUID
	Name      string
	MemberIDs []uuid.UUID
	CreatedAt time.Time
}

func (g Group) clone() Group {
	out := g
	out.MemberIDs = append([]uuid.UUID(nil), g.MemberIDs...)
	return out
}

// GroupUpdated is published when a group is created or gains members.
type GroupUpdated struct{ Group Group }

func (GroupUpdated) EventKind() bus.Kind { return bus.KindGroupUpdated }

// groupTable holds known groups. Membership merges are append-only unions
// so out-of-order update delivery cannot drop members.
type groupTable struct {
	mu     sync.RWMutex
	groups map[uuid.UUID]*Group
}

func newGroupTable() *groupTable {
	return &groupTable{groups: make(map[uuid.UUID]*Group)}
}

// apply merges an update into the table and reports whether anything
// changed. A new name from a later update wins; members are only added.
func (t *groupTable) apply(update Group) (Group, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.groups[update.ID]
	if !ok {
		stored := update.clone()
		t.groups[update.ID] = &stored
		return stored.clone(), true
	}

	changed := false
	if update.Name != "" && update.Name != existing.Name {
		existing.Name = update.Name
		changed = true
	}

	known := make(map[uuid.UUID]struct{}, len(existing.MemberIDs))
	for _, id := range existing.MemberIDs {
		known[id] = struct{}{}
	}
	for _, id := range update.MemberIDs {
		if _, dup := known[id]; dup {
			continue
		}
		existing.MemberIDs = append(existing.MemberIDs, id)
		known[id] = struct{}{}
		changed = true
	}

	return existing.clone(), changed
}

func (t *groupTable) get(id uuid.UUID) (Group, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	group, ok := t.groups[id]
	if !ok {
		return Group{}, false
	}
	return group.clone(), true
}

func (t *groupTable) snapshot() []Group {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Group, 0, len(t.groups))
	for _, group := range t.groups {
		out = append(out, group.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// groupUpdatePayload is the JSON content of a group-update control message.
type groupUpdatePayload struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
	CreatedAt int64    `json:"created_at"`
}

func encodeGroupUpdate(group Group) (string, error) {
	payload := groupUpdatePayload{
		GroupID:   group.ID.String(),
		Name:      group.Name,
		CreatedAt: group.CreatedAt.UnixMilli(),
	}
	for _, id := range group.MemberIDs {
		payload.MemberIDs = append(payload.MemberIDs, id.String())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal group update: %w", err)
	}
	return string(raw), nil
}

func decodeGroupUpdate(content string) (Group, error) {
	var payload groupUpdatePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return Group{}, fmt.Errorf("decode group update: %w", err)
	}

	groupID, err := uuid.Parse(payload.GroupID)
	if err != nil {
		return Group{}, fmt.Errorf("decode group update id: %w", err)
	}

	group := Group{
		ID:        groupID,
		Name:      payload.Name,
		CreatedAt: time.UnixMilli(payload.CreatedAt),
	}
	for _, raw := range payload.MemberIDs {
		memberID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		group.MemberIDs = append(group.MemberIDs, memberID)
	}
	return group, nil
}
