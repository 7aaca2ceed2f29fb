package client

import "collabsync/protocol"

// state is one immutable snapshot of everything the session knows about its
// room. Event handlers never mutate a state in place; they derive the next
// value and swap it in under the session lock, so a callback observing a
// snapshot mid-transition can never see a half-applied event.
type state struct {
	doc     protocol.Document
	version uint64
	users   map[string]protocol.User // remote participants only
	self    protocol.User
}

// applyLocal merges an optimistic patch and advances the local version
// guess. It returns the next state and the version the outgoing update must
// be tagged with: the value observed before the increment.
func (s state) applyLocal(patch protocol.Document) (state, uint64) {
	sent := s.version
	s.doc = s.doc.Merge(patch)
	s.version++
	return s, sent
}

// applyRemote merges an authoritative patch. The relay's stamped version is
// always taken as ground truth; no comparison against the local guess is
// needed, which is what makes racing optimistic patches converge.
func (s state) applyRemote(patch protocol.Document, version uint64) state {
	s.doc = s.doc.Merge(patch)
	s.version = version
	return s
}

// replace swaps in a full document, discarding any optimistic local state.
// Used for join acknowledgements, full syncs and forced resyncs alike.
func (s state) replace(doc protocol.Document, version uint64) state {
	s.doc = doc.Clone()
	s.version = version
	return s
}

// clearRoom drops everything owned by the current room, keeping only the
// local identity. Used when the transport drops or the target room changes.
func (s state) clearRoom() state {
	s.doc = nil
	s.version = 0
	s.users = nil
	return s
}
