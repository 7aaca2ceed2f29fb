// Package client implements the collabsync client sync engine: a Session
// owns one websocket to the relay, keeps an optimistic local copy of the
// room document gated by the relay's version counter, tracks the presence
// roster, and reconnects with backoff when the transport drops.
package client

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/protocol"
)

// TransportState describes the websocket lifecycle.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// JoinState describes room membership. Joined is reached only after the
// relay acknowledges the join.
type JoinState int

const (
	NotJoined JoinState = iota
	Joining
	Joined
)

func (s JoinState) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	default:
		return "not_joined"
	}
}

const defaultCursorInterval = 50 * time.Millisecond

// Snapshot is an immutable view of the session handed to callers and
// callbacks. Doc must not be mutated by the receiver.
type Snapshot struct {
	Doc       protocol.Document
	Version   uint64
	Self      protocol.User
	Others    []protocol.User
	Transport TransportState
	Join      JoinState
}

// Options configures a Session. URL and Room are required.
type Options struct {
	// URL is the relay websocket endpoint, e.g. "ws://host:8081/ws".
	URL string
	// Room is the room to join on connect.
	Room string
	// InitialState seeds the room if it does not exist server-side yet.
	InitialState protocol.Document
	// UserID identifies this participant. A random id is generated when
	// empty.
	UserID   string
	UserName string
	// CursorInterval is the minimum gap between outbound cursor messages.
	// Defaults to 50ms.
	CursorInterval time.Duration
	// DisableReconnect turns off the automatic retry loop.
	DisableReconnect bool
	// Backoff overrides the reconnect policy. The default is a capped
	// exponential backoff starting at 2s that never gives up.
	Backoff backoff.BackOff
	// Cache, when set, persists the last authoritative snapshot per room
	// and pre-seeds the document before the first connect.
	Cache  *Cache
	Dialer *websocket.Dialer
	Logger *slog.Logger

	// OnSnapshot is invoked after every state change with the new snapshot.
	OnSnapshot func(Snapshot)
	// OnError receives non-fatal protocol errors reported by the relay.
	OnError func(string)
	// OnTransport is invoked on transport state changes.
	OnTransport func(TransportState)
}

// Session is the client sync engine. All exported methods are safe to call
// from any goroutine; internally every event (inbound message, timer, caller
// write) runs its state transition under one lock against an immutable state
// value, the Go rendition of the single logical thread the protocol assumes.
type Session struct {
	url         string
	userID      string
	userName    string
	dialer      *websocket.Dialer
	log         *slog.Logger
	cache       *Cache
	autoRejoin  bool
	onSnapshot  func(Snapshot)
	onError     func(string)
	onTransport func(TransportState)

	wmu sync.Mutex // serializes websocket writes

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          int // connection generation, guards stale read pumps
	transport    TransportState
	joinState    JoinState
	room         string
	initialState protocol.Document
	st           state
	cursorLimit  *rateLimiter
	retry        backoff.BackOff
	reconnect    *time.Timer
	closed       bool
}

// New builds a Session. It does not connect; call Connect.
func New(opts Options) *Session {
	if opts.UserID == "" {
		opts.UserID = uuid.NewString()
	}
	if opts.CursorInterval <= 0 {
		opts.CursorInterval = defaultCursorInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0 // retry for as long as the session lives
		opts.Backoff = b
	}
	s := &Session{
		url:          opts.URL,
		userID:       opts.UserID,
		userName:     opts.UserName,
		dialer:       opts.Dialer,
		log:          opts.Logger.With("room", opts.Room, "user", opts.UserID),
		cache:        opts.Cache,
		autoRejoin:   !opts.DisableReconnect,
		onSnapshot:   opts.OnSnapshot,
		onError:      opts.OnError,
		onTransport:  opts.OnTransport,
		room:         opts.Room,
		initialState: opts.InitialState,
		cursorLimit:  newRateLimiter(opts.CursorInterval),
		retry:        opts.Backoff,
		st: state{
			self: protocol.User{ID: opts.UserID, Name: opts.UserName},
		},
	}
	if s.cache != nil && s.room != "" {
		if doc, version, err := s.cache.Get(s.room); err == nil {
			s.st = s.st.replace(doc, version)
			s.log.Debug("seeded document from cache", "version", version)
		}
	}
	return s
}

// UserID returns the local participant id.
func (s *Session) UserID() string { return s.userID }

// Connect opens the transport. Failures are not surfaced to the caller:
// they schedule a retry per the backoff policy for as long as the session
// has not been closed by Disconnect.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.transport != TransportDisconnected {
		s.mu.Unlock()
		return
	}
	s.transport = TransportConnecting
	s.mu.Unlock()
	s.notifyTransport(TransportConnecting)
	go s.dial()
}

func (s *Session) dial() {
	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		s.log.Warn("connect failed", "url", s.url, "err", err)
		s.mu.Lock()
		s.transport = TransportDisconnected
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.notifyTransport(TransportDisconnected)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.transport = TransportConnected
	s.retry.Reset()
	s.joinState = Joining
	room, initial := s.room, s.initialState
	s.mu.Unlock()

	s.log.Info("connected", "url", s.url)
	s.notifyTransport(TransportConnected)
	s.write(protocol.Auth{Type: protocol.TypeAuth, UserID: s.userID, UserName: s.userName})
	s.write(protocol.Join{Type: protocol.TypeJoin, RoomID: room, InitialState: initial})
	s.emitSnapshot()

	go s.readPump(conn, gen)
}

func (s *Session) readPump(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleTransportDown(conn, gen, err)
			return
		}
		s.handleMessage(raw)
	}
}

func (s *Session) handleTransportDown(conn *websocket.Conn, gen int, err error) {
	conn.Close()
	s.mu.Lock()
	if s.gen != gen {
		// A newer connection already took over.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.transport = TransportDisconnected
	s.joinState = NotJoined
	// The roster is meaningless while offline; the document stays as a
	// stale read cache until the rejoin replaces it.
	s.st = state{doc: s.st.doc, version: s.st.version, self: s.st.self}
	s.scheduleReconnectLocked()
	s.mu.Unlock()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Warn("transport dropped", "err", err)
	}
	s.notifyTransport(TransportDisconnected)
	s.emitSnapshot()
}

func (s *Session) scheduleReconnectLocked() {
	if s.closed || !s.autoRejoin {
		return
	}
	wait := s.retry.NextBackOff()
	if wait == backoff.Stop {
		s.retry.Reset()
		wait = s.retry.NextBackOff()
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.log.Info("reconnect scheduled", "wait", wait)
	s.reconnect = time.AfterFunc(wait, func() {
		s.mu.Lock()
		s.reconnect = nil
		if s.closed || s.transport != TransportDisconnected {
			s.mu.Unlock()
			return
		}
		s.transport = TransportConnecting
		s.mu.Unlock()
		s.notifyTransport(TransportConnecting)
		s.dial()
	})
}

// Disconnect leaves the current room, closes the transport and cancels any
// pending reconnect. The session cannot be reused afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	room := s.room
	connected := s.transport == TransportConnected
	s.mu.Unlock()

	if connected && conn != nil {
		s.write(protocol.Leave{Type: protocol.TypeLeave, RoomID: room})
		s.wmu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.wmu.Unlock()
		conn.Close()
	}

	s.mu.Lock()
	s.conn = nil
	s.transport = TransportDisconnected
	s.joinState = NotJoined
	s.mu.Unlock()
	s.notifyTransport(TransportDisconnected)
	s.log.Info("disconnected")
}

// Update applies a patch optimistically (the local document reflects it
// immediately and the version guess advances) and sends it tagged with the
// pre-increment version. The send is a no-op while disconnected; there is no
// outbound queue.
func (s *Session) Update(patch protocol.Document) {
	if len(patch) == 0 {
		return
	}
	s.mu.Lock()
	next, sentVersion := s.st.applyLocal(patch)
	s.st = next
	s.writeUnlock(protocol.StateUpdate{
		Type:    protocol.TypeStateUpdate,
		RoomID:  s.room,
		Patch:   patch,
		Version: sentVersion,
	})
	s.emitSnapshot()
}

// SetFullState replaces the whole document locally and asks the relay to
// replace it for everyone. The authoritative version arrives with the
// relay's full-sync fan-out.
func (s *Session) SetFullState(doc protocol.Document) {
	s.mu.Lock()
	s.st = s.st.replace(doc, s.st.version)
	room := s.room
	s.mu.Unlock()
	s.write(protocol.FullSync{Type: protocol.TypeFullSync, RoomID: room, State: doc})
	s.emitSnapshot()
}

// MoveCursor broadcasts the local pointer position. Sends are suppressed
// entirely unless the session is Joined, and rate-limited to one message per
// cursor interval; over-rate samples are dropped.
func (s *Session) MoveCursor(x, y float64) {
	s.mu.Lock()
	if s.joinState != Joined || !s.cursorLimit.allow() {
		s.mu.Unlock()
		return
	}
	room := s.room
	s.mu.Unlock()
	s.write(protocol.CursorMove{
		Type:   protocol.TypeCursorMove,
		RoomID: room,
		Cursor: protocol.Cursor{X: x, Y: y},
	})
}

// SetRoom switches the session to another room: membership is dropped,
// room-local state is cleared, then the leave and join are sent, in that
// order, so no stale state is ever visible between the two rooms.
func (s *Session) SetRoom(room string, initialState protocol.Document) {
	s.mu.Lock()
	if room == s.room {
		s.mu.Unlock()
		return
	}
	old := s.room
	s.joinState = NotJoined
	s.st = s.st.clearRoom()
	s.room = room
	s.initialState = initialState
	connected := s.transport == TransportConnected
	if connected {
		s.joinState = Joining
	}
	s.mu.Unlock()
	s.log.Info("room changed", "from", old, "to", room)
	s.emitSnapshot()
	if !connected {
		return
	}
	s.write(protocol.Leave{Type: protocol.TypeLeave, RoomID: old})
	s.write(protocol.Join{Type: protocol.TypeJoin, RoomID: room, InitialState: initialState})
}

// Snapshot returns the current immutable view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	others := make([]protocol.User, 0, len(s.st.users))
	for _, u := range s.st.users {
		others = append(others, u)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })
	return Snapshot{
		Doc:       s.st.doc,
		Version:   s.st.version,
		Self:      s.st.self,
		Others:    others,
		Transport: s.transport,
		Join:      s.joinState,
	}
}

// handleMessage processes one inbound envelope. Envelopes are independent: a
// malformed one is logged and dropped without touching the connection, and
// unknown types are ignored for forward compatibility.
func (s *Session) handleMessage(raw []byte) {
	typ, err := protocol.TypeOf(raw)
	if err != nil {
		s.log.Warn("dropping malformed envelope", "err", err)
		return
	}
	switch typ {
	case protocol.TypeJoined:
		var m protocol.Joined
		if !s.decode(raw, &m) {
			return
		}
		s.handleJoined(m)
	case protocol.TypeStateUpdated:
		var m protocol.StateUpdated
		if !s.decode(raw, &m) {
			return
		}
		s.mu.Lock()
		s.st = s.st.applyRemote(m.Patch, m.Version)
		s.mu.Unlock()
		s.emitSnapshot()
	case protocol.TypeFullSync:
		var m protocol.FullSync
		if !s.decode(raw, &m) {
			return
		}
		s.applyFullSync(m.State, m.Version)
	case protocol.TypeSyncRequired:
		var m protocol.SyncRequired
		if !s.decode(raw, &m) {
			return
		}
		s.log.Info("relay forced resync", "serverVersion", m.ServerVersion)
		s.applyFullSync(m.State, m.ServerVersion)
	case protocol.TypeUserJoined:
		var m protocol.UserJoined
		if !s.decode(raw, &m) {
			return
		}
		if m.User.ID == s.userID {
			return
		}
		s.mu.Lock()
		s.st.users = rosterUpsert(s.st.users, m.User)
		s.mu.Unlock()
		s.emitSnapshot()
	case protocol.TypeUserLeft:
		var m protocol.UserLeft
		if !s.decode(raw, &m) {
			return
		}
		s.mu.Lock()
		s.st.users = rosterRemove(s.st.users, m.UserID)
		s.mu.Unlock()
		s.emitSnapshot()
	case protocol.TypeCursorMoved:
		var m protocol.CursorMoved
		if !s.decode(raw, &m) {
			return
		}
		s.mu.Lock()
		users, moved := rosterCursor(s.st.users, m.UserID, m.Cursor)
		s.st.users = users
		s.mu.Unlock()
		if moved {
			s.emitSnapshot()
		}
	case protocol.TypeError:
		var m protocol.ErrorMessage
		if !s.decode(raw, &m) {
			return
		}
		s.log.Warn("relay reported error", "error", m.Error)
		if s.onError != nil {
			s.onError(m.Error)
		}
	default:
		s.log.Debug("ignoring unknown envelope type", "type", typ)
	}
}

func (s *Session) handleJoined(m protocol.Joined) {
	s.mu.Lock()
	if m.RoomID != s.room {
		// Ack for a room we already left.
		s.mu.Unlock()
		return
	}
	s.joinState = Joined
	users := make(map[string]protocol.User, len(m.Users))
	for _, u := range m.Users {
		if u.ID != s.userID {
			users[u.ID] = u
		}
	}
	self := s.st.self
	self.Color = m.YourColor
	s.st = state{
		doc:     m.State.Clone(),
		version: m.Version,
		users:   users,
		self:    self,
	}
	room := s.room
	s.mu.Unlock()
	s.log.Info("joined", "version", m.Version, "peers", len(users))
	s.persist(room, m.State, m.Version)
	s.emitSnapshot()
}

func (s *Session) applyFullSync(doc protocol.Document, version uint64) {
	s.mu.Lock()
	s.st = s.st.replace(doc, version)
	room := s.room
	s.mu.Unlock()
	s.persist(room, doc, version)
	s.emitSnapshot()
}

func (s *Session) persist(room string, doc protocol.Document, version uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(room, doc, version); err != nil {
		s.log.Warn("snapshot cache write failed", "err", err)
	}
}

func (s *Session) decode(raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Warn("dropping malformed envelope", "err", err)
		return false
	}
	return true
}

// write sends one envelope if the transport is up. Messages sent while
// disconnected are dropped, not queued.
func (s *Session) write(v interface{}) {
	s.mu.Lock()
	s.writeUnlock(v)
}

// writeUnlock sends v and releases s.mu, which the caller must hold. The
// write lock is acquired before the state lock is released, so envelopes
// reach the wire in the order their state transitions were applied:
// concurrent Update calls carry monotone version tags.
func (s *Session) writeUnlock(v interface{}) {
	conn := s.conn
	connected := s.transport == TransportConnected
	s.wmu.Lock()
	s.mu.Unlock()
	defer s.wmu.Unlock()
	if !connected || conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, protocol.MustMarshal(v)); err != nil {
		s.log.Warn("write failed", "err", err)
	}
}

func (s *Session) emitSnapshot() {
	if s.onSnapshot == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	// Callbacks run outside the lock so they may call back into the session.
	s.onSnapshot(snap)
}

func (s *Session) notifyTransport(st TransportState) {
	if s.onTransport != nil {
		s.onTransport(st)
	}
}
