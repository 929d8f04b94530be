package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"assetmarket/core/types"
)

var (
	bucketEvents = []byte("events")

	// ErrJournalClosed is returned when appending to a closed journal.
	ErrJournalClosed = errors.New("event journal: closed")
)

// Journal persists every emitted event under a monotonically increasing
// sequence number. Websocket subscribers replay missed events from their last
// cursor before switching to the live feed.
type Journal struct {
	db *bolt.DB
}

// NewJournal opens (and migrates) the BoltDB-backed event journal.
func NewJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Append stores the event and returns its sequence number. Sequence numbers
// start at 1 so a zero cursor always replays the full history.
func (j *Journal) Append(evt *types.Event) (uint64, error) {
	if j == nil || j.db == nil {
		return 0, ErrJournalClosed
	}
	var seq uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		next, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		seq = next
		return bucket.Put(seqKey(next), payload)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Range invokes fn for every journaled event with a sequence number greater
// than the supplied cursor, in ascending order. Iteration stops on the first
// error returned by fn.
func (j *Journal) Range(cursor uint64, fn func(seq uint64, evt *types.Event) error) error {
	if j == nil || j.db == nil {
		return ErrJournalClosed
	}
	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(cursor + 1)); k != nil; k, v = c.Next() {
			evt := &types.Event{}
			if err := json.Unmarshal(v, evt); err != nil {
				return err
			}
			if err := fn(binary.BigEndian.Uint64(k), evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSequence returns the sequence number of the most recent event.
func (j *Journal) LastSequence() (uint64, error) {
	if j == nil || j.db == nil {
		return 0, ErrJournalClosed
	}
	var seq uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	return seq, err
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
