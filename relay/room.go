package relay

import (
	"context"
	"sync"

	"collabsync/protocol"
)

// Cursor colors handed out to joining participants, cycled in join order.
var colorPalette = []string{
	"#f97066", "#36bffa", "#32d583", "#fdb022",
	"#7a5af8", "#f670c7", "#15b79e", "#fd853a",
}

// member is one participant currently in a room. The conn delivers, the
// user struct is what the roster exposes.
type member struct {
	c    *conn
	user protocol.User
}

// room owns one shared document and its version counter. Every apply, stamp
// and fan-out for the room happens under mu, which is what gives all members
// a single total order of patches. Rooms never share state with each other.
type room struct {
	srv *Server
	id  string

	fanout *fanout

	mu      sync.Mutex
	dead    bool // removed from the server index, no longer joinable
	loaded  bool
	doc     protocol.Document
	version uint64
	colors  int // total colors handed out, for palette cycling
	members map[string]*member
}

func newRoom(s *Server, id string) *room {
	r := &room{
		srv:     s,
		id:      id,
		members: make(map[string]*member),
	}
	r.fanout = newFanout(s, r)
	return r
}

// join adds a participant. The first join materializes the document: from
// the Store when a snapshot exists, else from the joiner's initial state,
// else empty. Rejoining with the same id (e.g. after a reconnect) replaces
// the previous connection rather than duplicating the member. Returns false
// if the room was dropped between lookup and join; the caller retries with a
// fresh lookup.
func (r *room) join(c *conn, initial protocol.Document) bool {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return false
	}
	if !r.loaded {
		r.loaded = true
		r.loadLocked(initial)
	}
	m, rejoined := r.members[c.id]
	if rejoined {
		m.c = c
		m.user.Name = c.name
	} else {
		m = &member{
			c: c,
			user: protocol.User{
				ID:    c.id,
				Name:  c.name,
				Color: colorPalette[r.colors%len(colorPalette)],
			},
		}
		r.colors++
		r.members[c.id] = m
	}
	ack := protocol.Joined{
		Type:      protocol.TypeJoined,
		RoomID:    r.id,
		State:     r.doc,
		Version:   r.version,
		Users:     r.usersLocked(c.id),
		YourColor: m.user.Color,
	}
	c.enqueue(protocol.MustMarshal(ack))
	if !rejoined {
		r.fanout.publishLocked(protocol.MustMarshal(protocol.UserJoined{
			Type: protocol.TypeUserJoined,
			User: m.user,
		}))
	}
	r.mu.Unlock()
	r.srv.log.Info("participant joined", "room", r.id, "participant", c.id)
	return true
}

func (r *room) loadLocked(initial protocol.Document) {
	if r.srv.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		doc, version, err := r.srv.store.Load(ctx, r.id)
		cancel()
		switch {
		case err == nil:
			r.doc = doc
			r.version = version
			r.srv.log.Info("room restored from store", "room", r.id, "version", version)
			return
		case err != ErrRoomNotFound:
			r.srv.log.Error("room snapshot load failed", "room", r.id, "err", err)
		}
	}
	r.doc = initial.Clone()
}

// leave removes a participant and tells the others. The closing member only
// counts if it still owns its entry (a rejoin may have replaced it).
func (r *room) leave(c *conn) {
	r.mu.Lock()
	m, ok := r.members[c.id]
	if !ok || m.c != c {
		r.mu.Unlock()
		return
	}
	delete(r.members, c.id)
	empty := len(r.members) == 0
	r.fanout.publishLocked(protocol.MustMarshal(protocol.UserLeft{
		Type:   protocol.TypeUserLeft,
		UserID: c.id,
	}))
	doc, version := r.doc, r.version
	r.mu.Unlock()
	r.srv.log.Info("participant left", "room", r.id, "participant", c.id)
	if empty {
		r.srv.persistNow(r.id, doc, version)
		r.srv.dropRoom(r)
	}
}

// applyPatch validates a member's optimistic patch against the room version,
// stamps it with the next authoritative version and fans it out to everyone
// including the sender. A version guess may run ahead of the room by the
// sender's in-flight optimistic patches or trail it by fan-outs still on the
// wire; a guess off by more than maxVersionLag in either direction means the
// sender has diverged, so the patch is rejected and that sender alone gets a
// forced resync.
func (r *room) applyPatch(c *conn, patch protocol.Document, clientVersion uint64) {
	r.mu.Lock()
	if _, ok := r.members[c.id]; !ok {
		r.mu.Unlock()
		c.sendError("not a member of room " + r.id)
		return
	}
	if clientVersion > r.version+maxVersionLag || r.version > clientVersion+maxVersionLag {
		resync := protocol.MustMarshal(protocol.SyncRequired{
			Type:          protocol.TypeSyncRequired,
			State:         r.doc,
			ServerVersion: r.version,
		})
		r.mu.Unlock()
		c.enqueue(resync)
		r.srv.log.Info("patch rejected, resync forced",
			"room", r.id, "participant", c.id, "clientVersion", clientVersion)
		return
	}
	r.doc = r.doc.Merge(patch)
	r.version++
	r.fanout.publishLocked(protocol.MustMarshal(protocol.StateUpdated{
		Type:    protocol.TypeStateUpdated,
		Patch:   patch,
		Version: r.version,
		UserID:  c.id,
	}))
	doc, version := r.doc, r.version
	r.mu.Unlock()
	r.srv.persist(r.id, doc, version)
}

// replaceState handles a client-initiated full sync: the document is
// replaced wholesale, the version advances, and the fan-out carries the new
// authoritative pair to every member.
func (r *room) replaceState(c *conn, doc protocol.Document) {
	r.mu.Lock()
	if _, ok := r.members[c.id]; !ok {
		r.mu.Unlock()
		c.sendError("not a member of room " + r.id)
		return
	}
	r.doc = doc.Clone()
	r.version++
	r.fanout.publishLocked(protocol.MustMarshal(protocol.FullSync{
		Type:    protocol.TypeFullSync,
		State:   r.doc,
		Version: r.version,
		UserID:  c.id,
	}))
	snapshot, version := r.doc, r.version
	r.mu.Unlock()
	r.srv.persist(r.id, snapshot, version)
}

// moveCursor records a member's pointer and fans it out. Receivers that do
// not know the participant (including the sender itself) drop the event.
func (r *room) moveCursor(c *conn, cur protocol.Cursor) {
	r.mu.Lock()
	m, ok := r.members[c.id]
	if !ok {
		r.mu.Unlock()
		return
	}
	pos := cur
	m.user.Cursor = &pos
	r.fanout.publishLocked(protocol.MustMarshal(protocol.CursorMoved{
		Type:   protocol.TypeCursorMoved,
		UserID: c.id,
		Cursor: cur,
	}))
	r.mu.Unlock()
}

// usersLocked returns the roster excluding the given participant id.
func (r *room) usersLocked(except string) []protocol.User {
	users := make([]protocol.User, 0, len(r.members))
	for id, m := range r.members {
		if id == except {
			continue
		}
		users = append(users, m.user)
	}
	return users
}

// deliverLocal hands a stamped envelope to every member on this instance.
// Used by the redis subscription goroutine.
func (r *room) deliverLocal(data []byte) {
	r.mu.Lock()
	r.deliverLocalLocked(data)
	r.mu.Unlock()
}

func (r *room) deliverLocalLocked(data []byte) {
	for _, m := range r.members {
		m.c.enqueue(data)
	}
}

func (r *room) closeFanout() {
	r.fanout.close()
}
