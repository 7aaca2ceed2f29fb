package relay_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wI2L/jsondiff"

	"collabsync/client"
	"collabsync/protocol"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func docEq(t *testing.T, got, want protocol.Document) {
	t.Helper()
	patch, err := jsondiff.Compare(got, want)
	if err != nil {
		t.Fatal(err)
	}
	if len(patch) != 0 {
		t.Fatalf("documents differ: %s", patch)
	}
}

func newSession(t *testing.T, url, userID, room string, initial protocol.Document) *client.Session {
	t.Helper()
	s := client.New(client.Options{
		URL:          url,
		Room:         room,
		UserID:       userID,
		InitialState: initial,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(s.Disconnect)
	s.Connect()
	waitFor(t, userID+" joined", func() bool { return s.Snapshot().Join == client.Joined })
	return s
}

// The convergence scenario from the wire contract: two clients, two racing
// optimistic patches, both end on the relay's order and versions.
func TestTwoClientsConverge(t *testing.T) {
	hs := newTestRelay(t)
	url := wsURL(hs)

	a := newSession(t, url, "alice", "r1", protocol.Document{"tool": raw(`"move"`)})
	docEq(t, a.Snapshot().Doc, protocol.Document{"tool": raw(`"move"`)})

	b := newSession(t, url, "bob", "r1", nil)
	docEq(t, b.Snapshot().Doc, protocol.Document{"tool": raw(`"move"`)})
	waitFor(t, "alice sees bob", func() bool { return len(a.Snapshot().Others) == 1 })

	a.Update(protocol.Document{"tool": raw(`"scale"`)})
	want1 := protocol.Document{"tool": raw(`"scale"`)}
	waitFor(t, "both at version 1", func() bool {
		return a.Snapshot().Version == 1 && b.Snapshot().Version == 1
	})
	docEq(t, a.Snapshot().Doc, want1)
	docEq(t, b.Snapshot().Doc, want1)

	b.Update(protocol.Document{"color": raw(`"red"`)})
	want2 := protocol.Document{"tool": raw(`"scale"`), "color": raw(`"red"`)}
	waitFor(t, "both at version 2", func() bool {
		return a.Snapshot().Version == 2 && b.Snapshot().Version == 2
	})
	docEq(t, a.Snapshot().Doc, want2)
	docEq(t, b.Snapshot().Doc, want2)
}

func TestCursorAndLeaveReachPeers(t *testing.T) {
	hs := newTestRelay(t)
	url := wsURL(hs)

	a := newSession(t, url, "alice", "r2", nil)
	b := newSession(t, url, "bob", "r2", nil)
	waitFor(t, "alice sees bob", func() bool { return len(a.Snapshot().Others) == 1 })

	b.MoveCursor(12, 34)
	waitFor(t, "bob's cursor at alice", func() bool {
		others := a.Snapshot().Others
		return len(others) == 1 && others[0].Cursor != nil && others[0].Cursor.X == 12
	})

	// Alice never sees herself in the roster, even via fan-out.
	for _, u := range a.Snapshot().Others {
		if u.ID == "alice" {
			t.Fatal("local participant leaked into the others view")
		}
	}

	b.Disconnect()
	waitFor(t, "bob removed from alice's roster", func() bool {
		return len(a.Snapshot().Others) == 0
	})
}

// A rejoin after reconnect brings back Joined with the live room state; the
// room keeps existing because another member held it open.
func TestRejoinAfterRoomMovedOn(t *testing.T) {
	hs := newTestRelay(t)
	url := wsURL(hs)

	a := newSession(t, url, "alice", "r3", protocol.Document{"tool": raw(`"move"`)})
	b := newSession(t, url, "bob", "r3", nil)
	waitFor(t, "alice sees bob", func() bool { return len(a.Snapshot().Others) == 1 })

	// Bob leaves; alice edits twice while bob is away.
	b.Disconnect()
	waitFor(t, "bob gone", func() bool { return len(a.Snapshot().Others) == 0 })
	a.Update(protocol.Document{"tool": raw(`"scale"`)})
	a.Update(protocol.Document{"color": raw(`"red"`)})
	waitFor(t, "alice at version 2", func() bool { return a.Snapshot().Version == 2 })

	// A fresh session for bob: the join ack must carry the missed state.
	b2 := newSession(t, url, "bob", "r3", nil)
	waitFor(t, "bob caught up", func() bool { return b2.Snapshot().Version == 2 })
	docEq(t, b2.Snapshot().Doc, protocol.Document{"tool": raw(`"scale"`), "color": raw(`"red"`)})
}
