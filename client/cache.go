package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"collabsync/protocol"
)

// ErrNoSnapshot is returned by Cache.Get when no snapshot has been stored
// for the room.
var ErrNoSnapshot = errors.New("no cached snapshot for room")

var snapshotBucket = []byte("snapshots")

// Cache persists the last authoritative document seen for each room, so a
// restarted client can show something before its first connect. Entries are
// CBOR-encoded inside a single bbolt bucket keyed by room id.
type Cache struct {
	db *bolt.DB
}

type cachedSnapshot struct {
	Doc     protocol.Document `cbor:"doc"`
	Version uint64            `cbor:"version"`
	SavedAt time.Time         `cbor:"savedAt"`
}

// OpenCache opens (creating if needed) a snapshot cache at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Put stores the authoritative document and version for a room, replacing
// any previous snapshot.
func (c *Cache) Put(room string, doc protocol.Document, version uint64) error {
	buf, err := cbor.Marshal(cachedSnapshot{Doc: doc, Version: version, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(room), buf)
	})
}

// Get returns the last stored document and version for a room.
func (c *Cache) Get(room string) (protocol.Document, uint64, error) {
	var snap cachedSnapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get([]byte(room))
		if raw == nil {
			return ErrNoSnapshot
		}
		return cbor.Unmarshal(raw, &snap)
	})
	if err != nil {
		return nil, 0, err
	}
	return snap.Doc, snap.Version, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
