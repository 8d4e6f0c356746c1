package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"ztalkd/router"
	"ztalkd/sshmgr"
	"ztalkd/transport"
)

func TestSaveAndLoadMessages(t *testing.T) {
	store := newTestStore(t)

	recipient := uuid.New()
	older := router.Message{
		ID:        uuid.New(),
		Kind:      transport.MessageBroadcast,
		SenderID:  uuid.New(),
		Content:   "first",
		Timestamp: time.Now().Add(-time.Minute),
		Delivered: true,
	}
	newer := router.Message{
		ID:          uuid.New(),
		Kind:        transport.MessagePrivate,
		SenderID:    uuid.New(),
		RecipientID: &recipient,
		Content:     "second",
		Timestamp:   time.Now(),
	}

	if err := store.SaveMessage(older); err != nil {
		t.Fatalf("SaveMessage older failed: %v", err)
	}
	if err := store.SaveMessage(newer); err != nil {
		t.Fatalf("SaveMessage newer failed: %v", err)
	}

	got, err := store.RecentMessages(10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != newer.ID {
		t.Fatalf("expected newest first")
	}
	if got[0].Kind != transport.MessagePrivate {
		t.Fatalf("kind not preserved: %d", got[0].Kind)
	}
	if got[0].RecipientID == nil || *got[0].RecipientID != recipient {
		t.Fatalf("recipient not preserved")
	}
	if !got[1].Delivered {
		t.Fatalf("delivered flag not preserved")
	}
}

func TestSaveMessageReplayUpdatesInPlace(t *testing.T) {
	store := newTestStore(t)

	msg := router.Message{
		ID:        uuid.New(),
		Kind:      transport.MessageBroadcast,
		SenderID:  uuid.New(),
		Content:   "same id",
		Timestamp: time.Now(),
	}
	if err := store.SaveMessage(msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	msg.Delivered = true
	if err := store.SaveMessage(msg); err != nil {
		t.Fatalf("SaveMessage replay failed: %v", err)
	}

	got, err := store.RecentMessages(10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("replay must not duplicate, got %d rows", len(got))
	}
	if !got[0].Delivered {
		t.Fatalf("replay must update the delivered flag")
	}
}

func TestPruneMessages(t *testing.T) {
	store := newTestStore(t)
	store.messageRetention = time.Hour

	old := router.Message{
		ID: uuid.New(), Kind: transport.MessageBroadcast, SenderID: uuid.New(),
		Content: "old", Timestamp: time.Now().Add(-2 * time.Hour),
	}
	fresh := router.Message{
		ID: uuid.New(), Kind: transport.MessageBroadcast, SenderID: uuid.New(),
		Content: "fresh", Timestamp: time.Now(),
	}
	if err := store.SaveMessage(old); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.SaveMessage(fresh); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	pruned, err := store.PruneMessages(time.Now())
	if err != nil {
		t.Fatalf("PruneMessages failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned message, got %d", pruned)
	}

	got, _ := store.RecentMessages(10)
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("wrong message survived pruning")
	}
}

func TestMaintenanceSweepPrunesExpiredMessages(t *testing.T) {
	store := newTestStore(t)
	store.messageRetention = time.Hour

	old := router.Message{
		ID: uuid.New(), Kind: transport.MessageBroadcast, SenderID: uuid.New(),
		Content: "expired", Timestamp: time.Now().Add(-2 * time.Hour),
	}
	fresh := router.Message{
		ID: uuid.New(), Kind: transport.MessageBroadcast, SenderID: uuid.New(),
		Content: "kept", Timestamp: time.Now(),
	}
	if err := store.SaveMessage(old); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.SaveMessage(fresh); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	store.maintain(time.Now())

	got, err := store.RecentMessages(10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("maintenance sweep kept the wrong messages: %+v", got)
	}
}

func TestDeletePeerRemovesRecord(t *testing.T) {
	store := newTestStore(t)

	id := uuid.New()
	now := time.Now().Truncate(time.Millisecond)
	record := PeerRecord{
		ID:          id,
		DisplayName: "gone",
		LastIP:      "10.0.0.2",
		LastPort:    9000,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := store.UpsertPeer(record); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}
	if err := store.DeletePeer(id); err != nil {
		t.Fatalf("DeletePeer failed: %v", err)
	}

	peers, err := store.RecentPeers(10)
	if err != nil {
		t.Fatalf("RecentPeers failed: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers after delete, got %d", len(peers))
	}
}

func TestSaveGroupMembershipIsAppendOnly(t *testing.T) {
	store := newTestStore(t)

	groupID := uuid.New()
	memberA := uuid.New()
	memberB := uuid.New()

	group := router.Group{
		ID:        groupID,
		Name:      "ops",
		MemberIDs: []uuid.UUID{memberA, memberB},
		CreatedAt: time.Now(),
	}
	if err := store.SaveGroup(group); err != nil {
		t.Fatalf("SaveGroup failed: %v", err)
	}

	// A later save with fewer members must not remove rows.
	group.MemberIDs = []uuid.UUID{memberA}
	group.Name = "ops-renamed"
	if err := store.SaveGroup(group); err != nil {
		t.Fatalf("SaveGroup update failed: %v", err)
	}

	groups, err := store.LoadGroups()
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	if groups[0].Name != "ops-renamed" {
		t.Fatalf("rename not persisted: %q", groups[0].Name)
	}
	if len(groups[0].MemberIDs) != 2 {
		t.Fatalf("membership shrank to %d", len(groups[0].MemberIDs))
	}
}

func TestProfileRoundTrip(t *testing.T) {
	store := newTestStore(t)

	profile := sshmgr.Profile{
		ID:       uuid.New(),
		Name:     "build box",
		Host:     "10.0.0.9",
		Port:     2222,
		Username: "ops",
		KeyPath:  "/home/ops/.ssh/id_ed25519",
	}
	if err := store.SaveProfile(profile); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	profiles, err := store.LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}
	if len(profiles) != 1 || profiles[0] != profile {
		t.Fatalf("profile mismatch: %+v", profiles)
	}

	if err := store.DeleteProfile(profile.ID); err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	profiles, _ = store.LoadProfiles()
	if len(profiles) != 0 {
		t.Fatalf("expected no profiles after delete")
	}
}

func TestUpsertPeerKeepsFirstSeen(t *testing.T) {
	store := newTestStore(t)

	id := uuid.New()
	first := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	record := PeerRecord{
		ID:          id,
		DisplayName: "alpha",
		LastIP:      "10.0.0.1",
		LastPort:    9000,
		FirstSeen:   first,
		LastSeen:    first,
	}
	if err := store.UpsertPeer(record); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	record.DisplayName = "alpha-renamed"
	record.LastSeen = time.Now().Truncate(time.Millisecond)
	record.FirstSeen = record.LastSeen
	if err := store.UpsertPeer(record); err != nil {
		t.Fatalf("UpsertPeer refresh failed: %v", err)
	}

	peers, err := store.RecentPeers(10)
	if err != nil {
		t.Fatalf("RecentPeers failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}
	if !peers[0].FirstSeen.Equal(first) {
		t.Fatalf("first seen must survive refresh: %v", peers[0].FirstSeen)
	}
	if peers[0].DisplayName != "alpha-renamed" {
		t.Fatalf("rename not persisted")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, dbPath, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Close after reopen failed: %v", err)
	}
}
