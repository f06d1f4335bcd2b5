package commit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var manifestBucket = []byte("committed")

// ManifestEntry is the advisory record kept per committed range group.
type ManifestEntry struct {
	RangeStart  uint64    `json:"range_start"`
	RangeEnd    uint64    `json:"range_end"`
	Generations int       `json:"generations"`
	Bytes       int64     `json:"bytes"`
	Frames      uint64    `json:"frames"`
	CommittedAt time.Time `json:"committed_at"`
}

// Manifest is the bbolt ledger of committed ranges. Operators and tooling
// read it; recovery never does, the journal alone decides what committed.
type Manifest struct {
	db *bolt.DB
}

// OpenManifest opens or creates the manifest database.
func OpenManifest(path string) (*Manifest, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open commit manifest: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(manifestBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create manifest bucket: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Record upserts one committed range. Keys are big-endian range starts so
// cursor order is slot order.
func (m *Manifest) Record(entry ManifestEntry) error {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, entry.RangeStart)
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).Put(key, val)
	})
}

// Entries returns every committed range ascending by range start.
func (m *Manifest) Entries() ([]ManifestEntry, error) {
	var out []ManifestEntry
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).ForEach(func(_, v []byte) error {
			var entry ManifestEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal manifest entry: %w", err)
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database.
func (m *Manifest) Close() error {
	return m.db.Close()
}
