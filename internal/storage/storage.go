package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	LogBucket   = []byte("log")
	StateBucket = []byte("states")
	MetaBucket  = []byte("meta")
)

// Store persists the committed proposal log, validated container states, and
// stable consensus metadata (current term, vote) in a local bbolt database.
// Values are opaque bytes; callers own their encoding.
type Store struct {
	db *bolt.DB
}

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{LogBucket, StateBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutLogEntry stores a committed log entry keyed by its big-endian index so a
// bucket cursor iterates in log order.
func (s *Store) PutLogEntry(index uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, index)
		return tx.Bucket(LogBucket).Put(key, data)
	})
}

func (s *Store) GetLogEntry(index uint64) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, index)
		v := tx.Bucket(LogBucket).Get(key)
		if v == nil {
			return fmt.Errorf("log entry %d not found", index)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// LogEntries returns all persisted entries in index order.
func (s *Store) LogEntries() ([][]byte, error) {
	var entries [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(LogBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			entries = append(entries, data)
		}
		return nil
	})
	return entries, err
}

// LastLogIndex returns the highest stored index and whether any entry exists.
func (s *Store) LastLogIndex() (uint64, bool, error) {
	var index uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(LogBucket).Cursor().Last()
		if k == nil {
			return nil
		}
		index = binary.BigEndian.Uint64(k)
		found = true
		return nil
	})
	return index, found, err
}

// TruncateLogFrom removes every entry with index >= from. Used when a
// follower discards a conflicting suffix on leadership change.
func (s *Store) TruncateLogFrom(from uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LogBucket)
		cursor := bucket.Cursor()
		min := make([]byte, 8)
		binary.BigEndian.PutUint64(min, from)
		for k, _ := cursor.Seek(min); k != nil; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete log entry: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) PutState(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(StateBucket).Put([]byte(id), data)
	})
}

func (s *Store) GetState(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(StateBucket).Get([]byte(id))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

func (s *Store) DeleteState(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(StateBucket).Delete([]byte(id))
	})
}

// States returns every persisted validated state keyed by container id.
func (s *Store) States() (map[string][]byte, error) {
	states := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(StateBucket).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			states[string(k)] = data
			return nil
		})
	})
	return states, err
}

// SetUint64 stores a stable metadata value such as the current term.
func (s *Store) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(MetaBucket).Put(key, buf)
	})
}

// GetUint64 returns the stored value for key, or 0 if absent.
func (s *Store) GetUint64(key []byte) (uint64, error) {
	var val uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(MetaBucket).Get(key)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("invalid uint64 value length: %d", len(v))
		}
		val = binary.BigEndian.Uint64(v)
		return nil
	})
	return val, err
}

func (s *Store) SetMeta(key, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(MetaBucket).Put(key, val)
	})
}

func (s *Store) GetMeta(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(MetaBucket).Get(key)
		if v != nil {
			val = make([]byte, len(v))
			copy(val, v)
		}
		return nil
	})
	return val, err
}
