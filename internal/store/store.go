// Package store persists model descriptors in an embedded Badger database.
// Descriptors are the durable source of truth for the registry; artifact
// bytes live on the filesystem next to it.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"voxd/pkg/types"
)

var keyPrefix = []byte("model/")

const gcInterval = 5 * time.Minute

// Options configures the descriptor store.
type Options struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
	// SyncWrites makes every commit durable before returning.
	SyncWrites bool
}

// Store is a descriptor table backed by Badger. Safe for concurrent use.
type Store struct {
	db   *badger.DB
	log  zerolog.Logger
	stop chan struct{}
	done chan struct{}
}

// Open opens (and if needed creates) the store.
func Open(opts Options, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "store").Logger()
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("store: dir is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	s := &Store{db: db, log: log, stop: make(chan struct{}), done: make(chan struct{})}
	if opts.InMemory {
		close(s.done)
	} else {
		go s.gcLoop()
	}
	return s, nil
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.done:
	default:
		close(s.stop)
		<-s.done
	}
	return s.db.Close()
}

// Save writes a descriptor, stamping UpdatedAt. CreatedAt is stamped on
// first save only.
func (s *Store) Save(m *types.ModelDescriptor) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", m.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(m.ID), raw)
	})
}

// Get returns the descriptor for id.
func (s *Store) Get(id string) (*types.ModelDescriptor, error) {
	var m types.ModelDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &types.NotFoundError{Kind: "model", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return &m, nil
}

// List returns every descriptor, unordered.
func (s *Store) List() ([]*types.ModelDescriptor, error) {
	var out []*types.ModelDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m types.ModelDescriptor
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Delete removes a descriptor. Deleting an unknown id is a NotFoundError.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(id)); err != nil {
			return err
		}
		return txn.Delete(key(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &types.NotFoundError{Kind: "model", ID: id}
	}
	return err
}

// Update applies fn to the stored descriptor for id and writes it back in
// one transaction.
func (s *Store) Update(id string, fn func(*types.ModelDescriptor) error) (*types.ModelDescriptor, error) {
	var m types.ModelDescriptor
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		m.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return txn.Set(key(id), raw)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &types.NotFoundError{Kind: "model", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func key(id string) []byte {
	var b bytes.Buffer
	b.Write(keyPrefix)
	b.WriteString(id)
	return b.Bytes()
}

func (s *Store) gcLoop() {
	defer close(s.done)
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn().Err(err).Msg("value log GC failed")
			}
		}
	}
}

// badgerLogger routes Badger's internal logging through zerolog at
// debug level; Badger is chatty and none of it is operator-facing.
type badgerLogger struct{ log zerolog.Logger }

func (l badgerLogger) Errorf(f string, a ...interface{})   { l.log.Error().Msgf(f, a...) }
func (l badgerLogger) Warningf(f string, a ...interface{}) { l.log.Debug().Msgf(f, a...) }
func (l badgerLogger) Infof(f string, a ...interface{})    { l.log.Debug().Msgf(f, a...) }
func (l badgerLogger) Debugf(f string, a ...interface{})   { l.log.Debug().Msgf(f, a...) }
