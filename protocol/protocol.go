// Package protocol defines the wire contract between collabsync clients and
// the relay. Every message is a self-describing JSON envelope with a "type"
// discriminator; receivers probe the discriminator first and then decode the
// concrete struct. Unknown types must be ignored by clients so the protocol
// can grow.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators.
const (
	TypeAuth         = "auth"
	TypeJoin         = "collab_join"
	TypeJoined       = "collab_joined"
	TypeLeave        = "collab_leave"
	TypeUserJoined   = "collab_user_joined"
	TypeUserLeft     = "collab_user_left"
	TypeStateUpdate  = "collab_state_update"
	TypeStateUpdated = "collab_state_updated"
	TypeFullSync     = "collab_full_sync"
	TypeSyncRequired = "collab_sync_required"
	TypeCursorMove   = "collab_cursor_move"
	TypeCursorMoved  = "collab_cursor_moved"
	TypeError        = "collab_error"
)

// Document is the shared room state: an opaque JSON object whose top-level
// fields are the unit of update. The values are kept raw so the relay and
// clients never need to understand the schema.
type Document map[string]json.RawMessage

// Merge returns a new Document with the patch's fields written over d.
// The merge is shallow: a field present in the patch replaces the field
// wholesale, fields absent from the patch are untouched. Neither input is
// modified.
func (d Document) Merge(patch Document) Document {
	next := make(Document, len(d)+len(patch))
	for k, v := range d {
		next[k] = v
	}
	for k, v := range patch {
		next[k] = v
	}
	return next
}

// Clone returns an independent copy of d. Cloning nil yields an empty,
// usable Document.
func (d Document) Clone() Document {
	next := make(Document, len(d))
	for k, v := range d {
		next[k] = v
	}
	return next
}

// Cursor is a pointer position in the shared coordinate space.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is one room participant as seen by everyone else.
type User struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Color  string  `json:"color"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Auth attaches an identity to the connection. Sent once after connect,
// before any join.
type Auth struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Join requests membership in a room. InitialState seeds the room document
// only when the room does not exist yet; the relay ignores it otherwise, so
// resending it after a reconnect is harmless.
type Join struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"roomId"`
	InitialState Document `json:"initialState,omitempty"`
}

// Joined acknowledges a Join. Users carries the other participants already
// in the room; the receiver is represented only by YourColor.
type Joined struct {
	Type      string   `json:"type"`
	RoomID    string   `json:"roomId"`
	State     Document `json:"state"`
	Version   uint64   `json:"version"`
	Users     []User   `json:"users"`
	YourColor string   `json:"yourColor"`
}

// Leave announces departure from a room.
type Leave struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// UserJoined is fanned out when another participant enters the room.
type UserJoined struct {
	Type string `json:"type"`
	User User   `json:"user"`
}

// UserLeft is fanned out when a participant leaves or its connection drops.
type UserLeft struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// StateUpdate is a client's optimistic patch. Version is the version the
// client observed when it created the patch, i.e. its pre-increment guess.
type StateUpdate struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId"`
	Patch   Document `json:"patch"`
	Version uint64   `json:"version"`
}

// StateUpdated is the relay's authoritative fan-out of a patch. Version is
// the post-increment server value and always wins over local guesses.
type StateUpdated struct {
	Type    string   `json:"type"`
	Patch   Document `json:"patch"`
	Version uint64   `json:"version"`
	UserID  string   `json:"userId"`
}

// FullSync replaces the entire document. Client→relay it carries RoomID and
// State only; relay→client it also carries the stamped Version and, when the
// replace originated from a client, that client's UserID.
type FullSync struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId,omitempty"`
	State   Document `json:"state"`
	Version uint64   `json:"version,omitempty"`
	UserID  string   `json:"userId,omitempty"`
}

// SyncRequired forces a resync after the relay detected divergence. Handled
// exactly like a relay-driven FullSync.
type SyncRequired struct {
	Type          string   `json:"type"`
	State         Document `json:"state"`
	ServerVersion uint64   `json:"serverVersion"`
}

// CursorMove is the client's rate-limited pointer broadcast.
type CursorMove struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Cursor Cursor `json:"cursor"`
}

// CursorMoved is the relay's fan-out of another participant's pointer.
type CursorMoved struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Cursor Cursor `json:"cursor"`
}

// ErrorMessage reports a non-fatal protocol error. The connection stays up.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// TypeOf returns the type discriminator of a raw envelope.
func TypeOf(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("malformed envelope: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("envelope has no type")
	}
	return probe.Type, nil
}

// MustMarshal encodes an envelope, panicking on failure. The envelope types
// above contain nothing that can fail to encode.
func MustMarshal(v interface{}) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return buf
}
