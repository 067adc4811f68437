package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)

	chat := &Chat{ID: "c1", Name: "Alice", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	// Update name.
	chat.Name = "Alice Updated"
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
	if chats[0].Name != "Alice Updated" {
		t.Errorf("name = %q, want Alice Updated", chats[0].Name)
	}
}

func TestChatListOrder(t *testing.T) {
	db := testDB(t)

	for _, c := range []*Chat{
		{ID: "old", LastMessageAt: 1000},
		{ID: "new", LastMessageAt: 3000},
		{ID: "mid", LastMessageAt: 2000},
	} {
		if err := db.UpsertChat(c); err != nil {
			t.Fatal(err)
		}
	}

	chats, err := db.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if chats[i].ID != id {
			t.Errorf("chats[%d] = %q, want %q", i, chats[i].ID, id)
		}
	}
}

// TestChatLastMessageAtMonotonic verifies a stale chat refresh cannot
// move last_message_at backward.
func TestChatLastMessageAtMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", LastMessageAt: 5000, LastMessagePreview: "newer"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ID: "c1", LastMessageAt: 1000, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 5000 {
		t.Errorf("last_message_at = %d, want 5000", c.LastMessageAt)
	}
	if c.LastMessagePreview != "newer" {
		t.Errorf("preview = %q, want newer", c.LastMessagePreview)
	}
}

func TestUnreadCounters(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetChat("c1")
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}

	if err := db.ResetUnread("c1"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat("c1")
	if c.UnreadCount != 0 {
		t.Errorf("unread after reset = %d, want 0", c.UnreadCount)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{MsgID: "m1", ChatID: "c1", Body: "hello", Status: StatusSent, Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Upsert again should not create a duplicate.
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

// TestMessageStatusNeverRegresses verifies a poll-delivered copy with
// status "sent" cannot downgrade a message already marked "delivered".
func TestMessageStatusNeverRegresses(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{MsgID: "m1", ChatID: "c1", Body: "hi", Status: StatusDelivered, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{MsgID: "m1", ChatID: "c1", Body: "hi", Status: StatusSent, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered (no regression)", m.Status)
	}
}

func TestMessageOrderTimestampThenInsertion(t *testing.T) {
	db := testDB(t)

	// Same timestamp: insertion order breaks the tie.
	for _, m := range []*Message{
		{MsgID: "a", ChatID: "c1", Body: "first", Timestamp: 1000},
		{MsgID: "b", ChatID: "c1", Body: "tie-1", Timestamp: 2000},
		{MsgID: "c", ChatID: "c1", Body: "tie-2", Timestamp: 2000},
	} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if msgs[i].MsgID != id {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].MsgID, id)
		}
	}
}

// TestRewriteMessageIDKeepsPosition verifies the canonical-id rewrite
// renames the record in place instead of appending a duplicate.
func TestRewriteMessageIDKeepsPosition(t *testing.T) {
	db := testDB(t)

	for _, m := range []*Message{
		{MsgID: "client-1", ChatID: "c1", Body: "mine", FromMe: true, Status: StatusSending, Timestamp: 2000},
		{MsgID: "m2", ChatID: "c1", Body: "later", Timestamp: 2000},
	} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.RewriteMessageID("client-1", "srv-9"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].MsgID != "srv-9" {
		t.Errorf("msgs[0] = %q, want srv-9 (position preserved)", msgs[0].MsgID)
	}
}

// TestRewriteMessageIDMergesWithPollCopy covers the race where the poll
// loop already stored the message under its server id before the send
// acknowledgment was applied: both records must collapse into one.
func TestRewriteMessageIDMergesWithPollCopy(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{MsgID: "client-1", ChatID: "c1", Body: "hi", FromMe: true, Status: StatusSending, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{MsgID: "srv-9", ChatID: "c1", Body: "hi", FromMe: true, Status: StatusDelivered, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := db.RewriteMessageID("client-1", "srv-9"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (merged)", len(msgs))
	}
	if msgs[0].MsgID != "srv-9" || msgs[0].Status != StatusDelivered {
		t.Errorf("got %q/%q, want srv-9/delivered", msgs[0].MsgID, msgs[0].Status)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("client1", "c1", "test msg"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].ClientMsgID != "client1" {
		t.Errorf("client_msg_id = %q, want client1", pending[0].ClientMsgID)
	}

	// Failure keeps the entry but removes it from the pending view.
	if err := db.MarkOutboxFailed("client1", "network error"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending after failure, want 0", len(pending))
	}
	all, _ := db.AllOutbox()
	if len(all) != 1 || all[0].Status != "failed" {
		t.Errorf("failed entry missing from outbox: %+v", all)
	}

	// Manual retry requeues it.
	if err := db.RequeueOutbox("client1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("got %d pending after requeue, want 1", len(pending))
	}

	// Acceptance removes it.
	if err := db.RemoveOutbox("client1"); err != nil {
		t.Fatal(err)
	}
	all, _ = db.AllOutbox()
	if len(all) != 0 {
		t.Errorf("got %d entries after removal, want 0", len(all))
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetState(StateCursor)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing key = %q, want empty", v)
	}

	if err := db.SetState(StateCursor, "2026-01-02T10:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState(StateCursor, "2026-01-02T11:00:00Z"); err != nil {
		t.Fatal(err)
	}

	v, err = db.GetState(StateCursor)
	if err != nil {
		t.Fatal(err)
	}
	if v != "2026-01-02T11:00:00Z" {
		t.Errorf("cursor = %q, want updated value", v)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{MsgID: "m1", ChatID: "c1", Body: "hello world", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{MsgID: "m2", ChatID: "c1", Body: "goodbye world", Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.MsgID != "m1" {
		t.Errorf("msg_id = %q, want m1", results[0].Message.MsgID)
	}
	if results[0].Snippet == "" {
		t.Error("snippet is empty")
	}
}
