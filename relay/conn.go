package relay

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/protocol"
)

const sendQueueSize = 64

// conn is one websocket session. It starts with a generated participant id,
// which an auth envelope may replace before the first join. The id, name and
// room fields are touched only by the read pump.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	send chan []byte

	id   string
	name string
	room *room

	closeOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		srv:  s,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		id:   uuid.NewString(),
	}
}

// enqueue hands an envelope to the write pump without blocking. A member
// whose queue is full is too slow to be a live collaborator: its connection
// is torn down and the read pump's exit path removes it from the room.
func (c *conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.srv.log.Warn("dropping slow session", "participant", c.id)
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}

func (c *conn) sendError(text string) {
	c.enqueue(protocol.MustMarshal(protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Error: text,
	}))
}

func (c *conn) writePump() {
	for data := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.close()
			return
		}
	}
}

// readPump drives the whole session: it decodes envelopes one at a time and
// dispatches them, so a connection's requests are applied in the order they
// arrived. A malformed envelope earns a non-fatal error, never a close.
func (c *conn) readPump() {
	defer func() {
		if c.room != nil {
			c.room.leave(c)
			c.room = nil
		}
		c.close()
		close(c.send)
		c.srv.log.Info("session closed", "participant", c.id)
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handle(raw)
	}
}

func (c *conn) handle(raw []byte) {
	typ, err := protocol.TypeOf(raw)
	if err != nil {
		c.srv.log.Warn("malformed envelope", "participant", c.id, "err", err)
		c.sendError("malformed envelope")
		return
	}
	switch typ {
	case protocol.TypeAuth:
		var m protocol.Auth
		if !c.decode(raw, &m) {
			return
		}
		// Identity is fixed once the session is in a room.
		if c.room == nil && m.UserID != "" {
			c.id = m.UserID
		}
		c.name = m.UserName
	case protocol.TypeJoin:
		var m protocol.Join
		if !c.decode(raw, &m) {
			return
		}
		if m.RoomID == "" {
			c.sendError("join requires a room id")
			return
		}
		if c.room != nil && c.room.id != m.RoomID {
			c.room.leave(c)
			c.room = nil
		}
		for {
			r := c.srv.getRoom(m.RoomID)
			if r.join(c, m.InitialState) {
				c.room = r
				break
			}
			// Lost a race with the room being retired; look it up again.
		}
	case protocol.TypeLeave:
		var m protocol.Leave
		if !c.decode(raw, &m) {
			return
		}
		if c.room != nil && c.room.id == m.RoomID {
			c.room.leave(c)
			c.room = nil
		}
	case protocol.TypeStateUpdate:
		var m protocol.StateUpdate
		if !c.decode(raw, &m) {
			return
		}
		if !c.inRoom(m.RoomID) {
			return
		}
		c.room.applyPatch(c, m.Patch, m.Version)
	case protocol.TypeFullSync:
		var m protocol.FullSync
		if !c.decode(raw, &m) {
			return
		}
		if !c.inRoom(m.RoomID) {
			return
		}
		c.room.replaceState(c, m.State)
	case protocol.TypeCursorMove:
		var m protocol.CursorMove
		if !c.decode(raw, &m) {
			return
		}
		if c.room != nil && c.room.id == m.RoomID {
			c.room.moveCursor(c, m.Cursor)
		}
	default:
		c.srv.log.Debug("ignoring unknown envelope type", "type", typ)
	}
}

func (c *conn) inRoom(roomID string) bool {
	if c.room == nil || c.room.id != roomID {
		c.sendError("not a member of room " + roomID)
		return false
	}
	return true
}

func (c *conn) decode(raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.srv.log.Warn("malformed envelope", "participant", c.id, "err", err)
		c.sendError("malformed envelope")
		return false
	}
	return true
}
