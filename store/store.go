// Package store keeps the progress of the numbers test in LevelDB.
//
// The store holds the highest number confirmed as published by the peer and,
// for each topic ever received on, the highest number observed there. Values only
// grow. Every write is synced to disk before the call returns, so anything recorded
// survives a crash of the process.
//
// The same database keeps the client side of the broker session under a separate prefix.
package store

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	keyPublished   = []byte("p")
	prefixReceived = []byte("r/")
)

// Config is the config of the store.
type Config struct {
	// Path is the directory of the database. In-memory database is used if it is empty.
	Path string

	// ExpectedTopics is the number of topics which must be observed before receiving is
	// considered done.
	ExpectedTopics int
}

// DefaultConfig returns default config of in-memory store.
func DefaultConfig() Config {
	return Config{
		ExpectedTopics: 1,
	}
}

// Store is the progress store.
type Store struct {
	config Config
	db     *leveldb.DB
	wo     *opt.WriteOptions
}

// Open opens the store.
func Open(config Config) (*Store, error) {
	if config.ExpectedTopics < 1 {
		return nil, errors.Errorf("expected topics must be at least 1, got %d", config.ExpectedTopics)
	}

	db, err := openDB(config.Path)
	if err != nil {
		return nil, err
	}

	return &Store{
		config: config,
		db:     db,
		wo:     &opt.WriteOptions{Sync: true},
	}, nil
}

func openDB(path string) (*leveldb.DB, error) {
	if path == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		return db, errors.WithStack(err)
	}

	db, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 5})
	if _, corrupted := err.(*leveldberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %q failed", path)
	}
	return db, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

// LastPublished returns the highest number confirmed as published.
func (s *Store) LastPublished() (uint64, error) {
	return s.get(keyPublished)
}

// RecordPublished records that n has been published. Values lower than the stored one are ignored.
func (s *Store) RecordPublished(n uint64) error {
	return s.putMax(keyPublished, n)
}

// LastReceived returns the highest number received on the topic.
func (s *Store) LastReceived(topic string) (uint64, error) {
	return s.get(receivedKey(topic))
}

// RecordReceived records that n has been received on the topic. Values lower than the stored
// one are ignored.
func (s *Store) RecordReceived(topic string, n uint64) error {
	if topic == "" {
		return errors.New("topic is empty")
	}
	return s.putMax(receivedKey(topic), n)
}

// Received returns the highest numbers received on all the known topics.
func (s *Store) Received() (map[string]uint64, error) {
	received := map[string]uint64{}

	it := s.db.NewIterator(util.BytesPrefix(prefixReceived), nil)
	defer it.Release()

	for it.Next() {
		n, err := decode(it.Value())
		if err != nil {
			return nil, err
		}
		received[string(bytes.TrimPrefix(it.Key(), prefixReceived))] = n
	}

	return received, errors.WithStack(it.Error())
}

// IsDoneReceiving returns true if at least the expected number of topics has been observed and
// all of them have reached maxNumber.
func (s *Store) IsDoneReceiving(maxNumber uint64) (bool, error) {
	received, err := s.Received()
	if err != nil {
		return false, err
	}
	if len(received) < s.config.ExpectedTopics {
		return false, nil
	}
	for _, n := range received {
		if n < maxNumber {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) get(key []byte) (uint64, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return decode(v)
}

// putMax is called from a single goroutine, so read and write don't need a transaction.
func (s *Store) putMax(key []byte, n uint64) error {
	current, err := s.get(key)
	if err != nil {
		return err
	}
	if n < current {
		return nil
	}

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], n)
	return errors.WithStack(s.db.Put(key, v[:], s.wo))
}

func receivedKey(topic string) []byte {
	return append(bytes.Clone(prefixReceived), topic...)
}

func decode(v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, errors.Errorf("invalid value length %d", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}
