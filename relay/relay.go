// Package relay implements the authoritative collabsync broker: it owns each
// room's document and version counter, stamps client patches with the next
// version, and fans them out to every room member in a single total order.
// Rooms are independent; all serialization is per room.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabsync/protocol"
)

// maxVersionLag is how far behind the room version a patch's version guess
// may be before the relay stops trusting the sender's view and forces a
// resync instead of applying the patch.
const maxVersionLag = 64

// Options configures a relay Server. Redis and Store are both optional:
// without Redis fan-out is in-process, without Store rooms live only in
// memory.
type Options struct {
	// Redis, when set, carries per-room fan-out over pub/sub channels.
	// Version stamping stays in this relay's memory, so a room must still
	// be served by a single relay instance.
	Redis *redis.Client
	// Store, when set, persists room snapshots across relay restarts.
	Store  Snapshots
	Logger *slog.Logger
}

// Snapshots is the persistence surface the relay needs; *Store implements it
// on PostgreSQL. Load reports ErrRoomNotFound for rooms never saved.
type Snapshots interface {
	Load(ctx context.Context, room string) (protocol.Document, uint64, error)
	Save(ctx context.Context, room string, doc protocol.Document, version uint64) error
}

// Server accepts websocket sessions and routes them into rooms.
type Server struct {
	log      *slog.Logger
	rdb      *redis.Client
	store    Snapshots
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		log:   opts.Logger,
		rdb:   opts.Redis,
		store: opts.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Handler returns the relay's HTTP surface: the websocket endpoint plus a
// health check and a read-only room snapshot for debugging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}", s.handleRoomSnapshot).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	c := newConn(s, ws)
	s.log.Info("session connected", "participant", c.id, "remote", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

func (s *Server) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["room"]
	s.mu.Lock()
	rm, ok := s.rooms[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	rm.mu.Lock()
	resp := struct {
		RoomID  string            `json:"roomId"`
		Version uint64            `json:"version"`
		State   protocol.Document `json:"state"`
		Users   []protocol.User   `json:"users"`
	}{
		RoomID:  rm.id,
		Version: rm.version,
		State:   rm.doc,
		Users:   rm.usersLocked(""),
	}
	rm.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// getRoom returns the live room, creating it on first reference.
func (s *Server) getRoom(id string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		return r
	}
	r := newRoom(s, id)
	s.rooms[id] = r
	return r
}

// dropRoom removes an emptied room from the index. A join racing the final
// leave can repopulate the room between the caller's unlock and this call,
// so emptiness is re-checked under both locks before the room is retired.
// The room's document survives in the Store, if one is configured.
func (s *Server) dropRoom(r *room) {
	s.mu.Lock()
	r.mu.Lock()
	if len(r.members) != 0 {
		r.mu.Unlock()
		s.mu.Unlock()
		return
	}
	r.dead = true
	if s.rooms[r.id] == r {
		delete(s.rooms, r.id)
	}
	r.mu.Unlock()
	s.mu.Unlock()
	r.closeFanout()
	s.log.Info("room closed", "room", r.id)
}

// persist saves a room snapshot in the background. Persistence is best
// effort: the in-memory room stays authoritative while the relay runs.
func (s *Server) persist(roomID string, doc protocol.Document, version uint64) {
	if s.store == nil {
		return
	}
	go s.persistNow(roomID, doc, version)
}

// persistNow saves a room snapshot before returning. The final save when a
// room empties must complete before the room is retired, or a prompt rejoin
// could restore a snapshot the save had not written yet.
func (s *Server) persistNow(roomID string, doc protocol.Document, version uint64) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Save(ctx, roomID, doc, version); err != nil {
		s.log.Error("room snapshot save failed", "room", roomID, "err", err)
	}
}
