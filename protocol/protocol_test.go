package protocol_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"collabsync/protocol"
)

func eq(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestMergeShallow(t *testing.T) {
	base := protocol.Document{
		"tool":   raw(`"move"`),
		"camera": raw(`{"x":1,"y":2}`),
	}
	next := base.Merge(protocol.Document{
		"tool":   raw(`"scale"`),
		"camera": raw(`{"x":5}`),
	})

	// Present fields replace wholesale, even nested objects.
	eq(t, string(next["tool"]), `"scale"`)
	eq(t, string(next["camera"]), `{"x":5}`)

	// The base document is untouched.
	eq(t, string(base["tool"]), `"move"`)
	eq(t, string(base["camera"]), `{"x":1,"y":2}`)
}

func TestMergeAbsentFieldsUntouched(t *testing.T) {
	base := protocol.Document{"tool": raw(`"move"`), "color": raw(`"red"`)}
	next := base.Merge(protocol.Document{"tool": raw(`"scale"`)})
	eq(t, string(next["color"]), `"red"`)
	eq(t, len(next), 2)
}

func TestMergeNilReceiver(t *testing.T) {
	var base protocol.Document
	next := base.Merge(protocol.Document{"tool": raw(`"move"`)})
	eq(t, len(next), 1)
}

func TestClone(t *testing.T) {
	base := protocol.Document{"tool": raw(`"move"`)}
	c := base.Clone()
	c["tool"] = raw(`"scale"`)
	eq(t, string(base["tool"]), `"move"`)

	var nilDoc protocol.Document
	eq(t, len(nilDoc.Clone()), 0)
	if nilDoc.Clone() == nil {
		t.Fatal("clone of nil document must be usable")
	}
}

func TestTypeOf(t *testing.T) {
	typ, err := protocol.TypeOf([]byte(`{"type":"collab_join","roomId":"r1"}`))
	if err != nil {
		t.Fatal(err)
	}
	eq(t, typ, protocol.TypeJoin)

	if _, err := protocol.TypeOf([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
	if _, err := protocol.TypeOf([]byte(`{"roomId":"r1"}`)); err == nil {
		t.Fatal("expected error for envelope without type")
	}
}

func TestJoinedRoundTrip(t *testing.T) {
	in := protocol.Joined{
		Type:      protocol.TypeJoined,
		RoomID:    "r1",
		State:     protocol.Document{"tool": raw(`"move"`)},
		Version:   7,
		Users:     []protocol.User{{ID: "u1", Color: "#f97066"}},
		YourColor: "#36bffa",
	}
	var out protocol.Joined
	if err := json.Unmarshal(protocol.MustMarshal(in), &out); err != nil {
		t.Fatal(err)
	}
	eq(t, out.RoomID, "r1")
	eq(t, out.Version, uint64(7))
	eq(t, string(out.State["tool"]), `"move"`)
	eq(t, out.Users[0].ID, "u1")
	eq(t, out.YourColor, "#36bffa")
}
