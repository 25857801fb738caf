package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"replset/internal/repl"
)

var (
	// Bucket names
	voteBucket = []byte("vote")

	// Keys
	lastVoteKey = []byte("lastVote")
)

// BboltVoteStore persists the single LastVote slot in a bbolt database. The
// record is written atomically (one Update transaction) and overwritten in
// place; it is the only durable state this core owns.
type BboltVoteStore struct {
	conn *bbolt.DB
}

// NewBboltVoteStore opens (or creates) the vote database at the given path.
func NewBboltVoteStore(path string) (*BboltVoteStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vote store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(voteBucket); err != nil {
			return fmt.Errorf("failed to create vote bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltVoteStore{conn: db}, nil
}

// StoreLastVote durably overwrites the LastVote slot. It must return only
// after the write has been committed: the caller sends real vote requests on
// the strength of this record having been persisted.
func (s *BboltVoteStore) StoreLastVote(vote repl.LastVote) error {
	return s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(voteBucket)
		return bucket.Put(lastVoteKey, encodeLastVote(vote))
	})
}

// LoadLastVote reads the LastVote slot. Returns (nil, nil) if this node has
// never voted.
func (s *BboltVoteStore) LoadLastVote() (*repl.LastVote, error) {
	var vote *repl.LastVote
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(voteBucket).Get(lastVoteKey)
		if data == nil {
			return nil
		}
		decoded, err := decodeLastVote(data)
		if err != nil {
			return err
		}
		vote = &decoded
		return nil
	})
	return vote, err
}

// Close closes the underlying database.
func (s *BboltVoteStore) Close() error {
	return s.conn.Close()
}

// encodeLastVote packs the record as big-endian term followed by candidate
// index, 12 bytes total.
func encodeLastVote(vote repl.LastVote) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], uint64(vote.Term))
	binary.BigEndian.PutUint32(buf[8:12], uint32(vote.CandidateIndex))
	return buf
}

func decodeLastVote(data []byte) (repl.LastVote, error) {
	if len(data) != 12 {
		return repl.LastVote{}, fmt.Errorf("corrupt last vote record: %d bytes, want 12", len(data))
	}
	return repl.LastVote{
		Term:           int64(binary.BigEndian.Uint64(data[0:8])),
		CandidateIndex: int32(binary.BigEndian.Uint32(data[8:12])),
	}, nil
}
