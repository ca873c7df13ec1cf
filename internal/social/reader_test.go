package social

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/heliograph-labs/flarecast/internal/store"
)

func newTestReader(t *testing.T) (*Reader, *store.SQLStore) {
	t.Helper()
	dsn := fmt.Sprintf("file:social_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.EntryRecord{}, &store.DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	backing, err := store.NewSQLStore(store.SQLStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	reader, err := NewReader(ReaderConfig{Store: backing})
	if err != nil {
		t.Fatalf("failed to construct reader: %v", err)
	}
	return reader, backing
}

func TestFriendIndexMissingReadsAsEmpty(t *testing.T) {
	reader, backing := newTestReader(t)
	ctx := context.Background()

	index, err := reader.FriendIndex(ctx, "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %v", index)
	}

	err = backing.BatchWrite(ctx, map[string]any{
		"friends/user-1": map[string]bool{"alice": true, "bob": true},
	})
	if err != nil {
		t.Fatalf("failed to seed friends: %v", err)
	}

	index, err = reader.FriendIndex(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !index["alice"] || !index["bob"] || len(index) != 2 {
		t.Fatalf("unexpected friend index: %v", index)
	}
}

func TestMaskMembersMissingIsLegalEmptySelector(t *testing.T) {
	reader, backing := newTestReader(t)
	ctx := context.Background()

	members, err := reader.MaskMembers(ctx, "user-1", "close-friends")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty mask, got %v", members)
	}

	err = backing.BatchWrite(ctx, map[string]any{
		"masks/user-1/close-friends/members": map[string]bool{"carol": true},
	})
	if err != nil {
		t.Fatalf("failed to seed mask: %v", err)
	}

	members, err = reader.MaskMembers(ctx, "user-1", "close-friends")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !members["carol"] || len(members) != 1 {
		t.Fatalf("unexpected mask members: %v", members)
	}
}

func TestGroupLookup(t *testing.T) {
	reader, backing := newTestReader(t)
	ctx := context.Background()

	_, err := reader.Group(ctx, "ghost")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}

	doc := GroupDoc{
		GroupID: "group-1",
		Name:    "hiking club",
		Members: map[string]string{"alice": "Alice", "bob": "Bob"},
	}
	if err := backing.PutDocument(ctx, GroupsCollection, doc.GroupID, doc); err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}

	fetched, err := reader.Group(ctx, "group-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched.Name != "hiking club" || fetched.Members["alice"] != "Alice" {
		t.Fatalf("unexpected group doc: %#v", fetched)
	}
}

func TestProfileIsCachedAfterFirstLookup(t *testing.T) {
	reader, backing := newTestReader(t)
	ctx := context.Background()

	// Unknown users resolve to a zero profile, and the zero result caches too.
	profile, err := reader.Profile(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile != (Profile{}) {
		t.Fatalf("expected zero profile, got %#v", profile)
	}

	err = backing.BatchWrite(ctx, map[string]any{
		"users/user-1/publicFields": Profile{Username: "late", AvatarURL: "https://a/1.png"},
		"users/user-2/publicFields": Profile{Username: "fresh", AvatarURL: "https://a/2.png"},
	})
	if err != nil {
		t.Fatalf("failed to seed profiles: %v", err)
	}

	profile, err = reader.Profile(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile != (Profile{}) {
		t.Fatalf("expected cached zero profile, got %#v", profile)
	}

	profile, err = reader.Profile(ctx, "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.Username != "fresh" {
		t.Fatalf("unexpected profile: %#v", profile)
	}
}
