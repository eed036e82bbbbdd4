package store

import (
	"path/filepath"
	"testing"

	"github.com/chatify/core/internal/wire"
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

func TestRecentRoomsFiltersAndSorts(t *testing.T) {
	db := testDB(t)

	rooms := []wire.Room{
		{ID: "r1", Members: []wire.UserStub{{ID: 1, Name: "Alice"}, {ID: 2, Name: "Bob"}}, LastMsgAt: 100},
		{ID: "r2", Members: []wire.UserStub{{ID: 1, Name: "Alice"}, {ID: 3, Name: "Carol"}}, LastMsgAt: 300},
		{ID: "r3", IsGroup: true, Name: "team", Members: []wire.UserStub{{ID: 2, Name: "Bob"}, {ID: 3, Name: "Carol"}}, LastMsgAt: 200},
	}
	if err := db.ReplaceRooms(rooms); err != nil {
		t.Fatal(err)
	}

	got, err := db.RecentRooms(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rooms, want 2 (user 1 is not in r3)", len(got))
	}
	if got[0].ID != "r2" || got[1].ID != "r1" {
		t.Errorf("order = [%s, %s], want [r2, r1]", got[0].ID, got[1].ID)
	}
}

func TestTouchRoomLastMsg(t *testing.T) {
	db := testDB(t)
	room := wire.Room{ID: "r1", Members: []wire.UserStub{{ID: 1}, {ID: 2}}}
	if err := db.UpsertRoom(&room); err != nil {
		t.Fatal(err)
	}

	msg := wire.Message{ID: "m1", RoomID: "r1", SenderID: 1, Content: "hi", Status: wire.StatusDelivered, CreatedAt: 555}
	if err := db.TouchRoomLastMsg("r1", &msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRoom("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMsgAt != 555 {
		t.Errorf("lastMsgAt = %d, want 555", got.LastMsgAt)
	}
	if got.LastMsg == nil || got.LastMsg.ID != "m1" {
		t.Errorf("lastMsg = %+v, want m1", got.LastMsg)
	}
}

func TestMessageUpsertAndPatch(t *testing.T) {
	db := testDB(t)
	msg := wire.Message{
		ID: "m1", RoomID: "r1", SenderID: 1, SenderName: "Alice",
		Content: "hello", Status: wire.StatusPending, CreatedAt: 10,
		Reactions: map[string][]wire.Reactor{},
	}
	if err := db.UpsertMessage(&msg); err != nil {
		t.Fatal(err)
	}

	sending := wire.StatusSending
	ok, err := db.PatchMessage("m1", MessagePatch{Status: &sending})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("patch matched no row, want 1")
	}

	// Patching an unknown id is not an error, just a non-match.
	ok, err = db.PatchMessage("nope", MessagePatch{Status: &sending})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("patch of unknown id reported a match")
	}

	msgs, err := db.RoomMessages("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != wire.StatusSending {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestPatchMessageRewritesCreatedAt(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertMessage(&wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusRetrying, CreatedAt: 10}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&wire.Message{ID: "m2", RoomID: "r1", Status: wire.StatusDelivered, CreatedAt: 20}); err != nil {
		t.Fatal(err)
	}

	st := wire.StatusRetrySuccessful
	at := int64(30)
	if _, err := db.PatchMessage("m1", MessagePatch{Status: &st, CreatedAt: &at}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.RoomMessages("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].ID != "m1" {
		t.Errorf("m1 should sort last after createdAt rewrite, got %+v", msgs)
	}
}

func TestReplaceRoomMessagesScopedToRoom(t *testing.T) {
	db := testDB(t)
	for _, m := range []wire.Message{
		{ID: "a", RoomID: "r1", Status: wire.StatusDelivered, CreatedAt: 1},
		{ID: "b", RoomID: "r2", Status: wire.StatusDelivered, CreatedAt: 2},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.ReplaceRoomMessages("r1", []wire.Message{
		{ID: "c", RoomID: "r1", Status: wire.StatusDelivered, CreatedAt: 3},
	}); err != nil {
		t.Fatal(err)
	}

	r1, _ := db.RoomMessages("r1")
	r2, _ := db.RoomMessages("r2")
	if len(r1) != 1 || r1[0].ID != "c" {
		t.Errorf("r1 = %+v, want only c", r1)
	}
	if len(r2) != 1 || r2[0].ID != "b" {
		t.Errorf("r2 = %+v, want b untouched", r2)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	db := testDB(t)
	envelopes := []wire.Envelope{
		wire.ChatEnvelope(&wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1}),
		wire.ReactEnvelope(wire.ReactPayload{ID: "m2", RoomID: "r1", Emoji: "👍", Reactor: wire.Reactor{ReactorID: 1, ReactorName: "Alice"}}),
		wire.StatusEnvelope(wire.StatusPayload{ID: "m3", RoomID: "r1", Status: wire.StatusDelivered}),
	}
	if err := db.ReplaceQueue(envelopes); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(got))
	}
	if got[0].Type != wire.TypeChat || got[0].Chat.ID != "m1" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Type != wire.TypeReact || got[1].React.Emoji != "👍" {
		t.Errorf("second = %+v", got[1])
	}
	if got[2].Type != wire.TypeUpdateStatus || got[2].Status.Status != wire.StatusDelivered {
		t.Errorf("third = %+v", got[2])
	}

	// Replacing again keeps only the new set.
	if err := db.ReplaceQueue(envelopes[:1]); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d envelopes after replace, want 1", len(got))
	}
}
