package client

import "collabsync/protocol"

// Roster transformations. Each returns a fresh map so the previous snapshot
// stays valid for anyone still holding it; the inputs are never mutated.

func rosterUpsert(users map[string]protocol.User, u protocol.User) map[string]protocol.User {
	next := make(map[string]protocol.User, len(users)+1)
	for id, v := range users {
		next[id] = v
	}
	// Re-adding an existing id replaces the entry, it never duplicates.
	next[u.ID] = u
	return next
}

func rosterRemove(users map[string]protocol.User, id string) map[string]protocol.User {
	if _, ok := users[id]; !ok {
		return users
	}
	next := make(map[string]protocol.User, len(users))
	for uid, v := range users {
		if uid != id {
			next[uid] = v
		}
	}
	return next
}

// rosterCursor updates the cursor of a known participant. Cursor events for
// ids that never joined are dropped: ok reports whether anything changed.
func rosterCursor(users map[string]protocol.User, id string, cur protocol.Cursor) (map[string]protocol.User, bool) {
	u, known := users[id]
	if !known {
		return users, false
	}
	c := cur
	u.Cursor = &c
	return rosterUpsert(users, u), true
}
