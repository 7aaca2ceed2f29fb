package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabsync/protocol"
)

// ErrRoomNotFound is returned by Store.Load when no snapshot exists.
var ErrRoomNotFound = errors.New("room not found")

const storeTimeout = 5 * time.Second

const createRoomsTable = `
CREATE TABLE IF NOT EXISTS collab_rooms (
	id      text PRIMARY KEY,
	doc     jsonb NOT NULL,
	version bigint NOT NULL
)`

// Store persists room snapshots in PostgreSQL so documents survive relay
// restarts. Only the latest snapshot per room is kept; there is no patch
// history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database and ensures the schema exists.
func NewStore(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, createRoomsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Load returns the persisted document and version for a room.
func (s *Store) Load(ctx context.Context, room string) (protocol.Document, uint64, error) {
	var raw []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT doc, version FROM collab_rooms WHERE id = $1`, room,
	).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrRoomNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load room %q: %w", room, err)
	}
	var doc protocol.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode room %q: %w", room, err)
	}
	return doc, uint64(version), nil
}

// Save upserts the latest snapshot for a room.
func (s *Store) Save(ctx context.Context, room string, doc protocol.Document, version uint64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode room %q: %w", room, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO collab_rooms (id, doc, version) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, version = EXCLUDED.version`,
		room, raw, int64(version))
	if err != nil {
		return fmt.Errorf("save room %q: %w", room, err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
