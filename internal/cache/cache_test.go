package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fixmarket/casechat/internal/chat"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

var base = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func cachedMsg(id string, offset time.Duration) chat.Message {
	return chat.Message{
		ID: id, CaseID: "42", SenderID: "7", ReceiverID: "9",
		Content: "msg " + id, CreatedAt: base.Add(offset),
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	res, err := db.Migrate()
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if res.Changed {
		t.Error("second migrate reported changes")
	}
}

func TestUpsertAndHistoryOrder(t *testing.T) {
	db := openTestDB(t)
	for _, m := range []chat.Message{cachedMsg("b", time.Minute), cachedMsg("a", time.Minute), cachedMsg("c", 0)} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}
	// Same message again must not duplicate.
	if err := db.UpsertMessage(cachedMsg("c", 0)); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.History("42", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	want := []string{"c", "a", "b"}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestReadAtMonotonicInCache(t *testing.T) {
	db := openTestDB(t)
	m := cachedMsg("m1", 0)
	readAt := base.Add(time.Minute)
	m.ReadAt = &readAt
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// Unread copy of the same message arrives later.
	if err := db.UpsertMessage(cachedMsg("m1", 0)); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.History("42", 0)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].ReadAt == nil {
		t.Fatal("read_at cleared by unread copy")
	}
	if !msgs[0].ReadAt.Equal(readAt) {
		t.Errorf("read_at = %v, want %v", msgs[0].ReadAt, readAt)
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertBatch([]chat.Message{
		cachedMsg("m1", 0),
		cachedMsg("m2", time.Second),
		{ID: "m3", CaseID: "42", SenderID: "9", ReceiverID: "7", Content: "mine", CreatedAt: base},
	}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	n, err := db.UnreadCount("9")
	if err != nil || n != 2 {
		t.Fatalf("UnreadCount = %d, %v; want 2", n, err)
	}

	if err := db.MarkRead("42", "9", base.Add(time.Minute)); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n, _ = db.UnreadCount("9"); n != 0 {
		t.Errorf("UnreadCount after MarkRead = %d", n)
	}
	// The other direction is untouched.
	if n, _ = db.UnreadCount("7"); n != 1 {
		t.Errorf("peer UnreadCount = %d, want 1", n)
	}
}
