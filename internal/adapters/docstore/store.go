// Package docstore is the shared-document signaling binding: a badger-backed
// document store with prefix watches, and a SignalTransport on top of it.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxConflictRetries = 16
	seqBandwidth       = 64
)

// Record is one observed change. Deleted records carry no value.
type Record struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store keeps documents in badger and fans committed writes out to watchers.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger

	mu       sync.RWMutex
	watchers map[*watcher]struct{}

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log.With().Str("module", "badger").Logger()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	s := &Store{
		db:       db,
		logger:   log.With().Str("module", "docstore").Logger(),
		watchers: make(map[*watcher]struct{}),
		seqs:     make(map[string]*badger.Sequence),
	}
	s.logger.Info().Str("path", path).Bool("in_memory", path == "").Msg("store opened")
	return s, nil
}

func (s *Store) Close() error {
	s.seqMu.Lock()
	for prefix, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			s.logger.Warn().Err(err).Str("prefix", prefix).Msg("release sequence")
		}
	}
	s.seqs = map[string]*badger.Sequence{}
	s.seqMu.Unlock()
	return s.db.Close()
}

func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.publish(Record{Key: key, Value: value})
	return nil
}

// Get returns domain.ErrNotFound for a missing key.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out, nil
}

func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.publish(Record{Key: key, Deleted: true})
	return nil
}

// DeletePrefix removes every key under prefix in one transaction.
func (s *Store) DeletePrefix(prefix string) error {
	var removed []string
	err := s.db.Update(func(txn *badger.Txn) error {
		removed = removed[:0]
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		keys := [][]byte{}
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed = append(removed, string(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	for _, k := range removed {
		s.publish(Record{Key: k, Deleted: true})
	}
	return nil
}

// Update runs a read-modify-write of key. fn receives nil when the key is
// absent. Conflicting concurrent writers are retried.
func (s *Store) Update(key string, fn func(cur []byte) ([]byte, error)) error {
	var next []byte
	var err error
	for range maxConflictRetries {
		err = s.db.Update(func(txn *badger.Txn) error {
			var cur []byte
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if cur, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			if next, err = fn(cur); err != nil {
				return err
			}
			return txn.Set([]byte(key), next)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug().Str("key", key).Msg("update conflict, retrying")
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	s.publish(Record{Key: key, Value: next})
	return nil
}

// Append stores value under prefix with a zero-padded sequence suffix so that
// iteration order is append order. It returns the new key.
func (s *Store) Append(prefix string, value []byte) (string, error) {
	seq, err := s.sequence(prefix)
	if err != nil {
		return "", err
	}
	n, err := seq.Next()
	if err != nil {
		return "", fmt.Errorf("next seq %s: %w", prefix, err)
	}
	key := fmt.Sprintf("%s%020d", prefix, n)
	if err := s.Put(key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) sequence(prefix string) (*badger.Sequence, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if seq, ok := s.seqs[prefix]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence([]byte("seq/"+prefix), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", prefix, err)
	}
	s.seqs[prefix] = seq
	return seq, nil
}

// Scan returns every record under prefix in key order.
func (s *Store) Scan(prefix string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Record{Key: string(item.KeyCopy(nil)), Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

// Watch returns the records currently under prefix and a stream of every
// later change. The watcher is registered before the scan, so a record may
// show up in both. The stream is closed when ctx ends.
func (s *Store) Watch(ctx context.Context, prefix string) ([]Record, <-chan Record, error) {
	w := &watcher{prefix: prefix, signal: make(chan struct{}, 1)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	initial, err := s.Scan(prefix)
	if err != nil {
		s.unwatch(w)
		return nil, nil, err
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer s.unwatch(w)
		for {
			for _, rec := range w.drain() {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-w.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return initial, out, nil
}

func (s *Store) unwatch(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

func (s *Store) publish(rec Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.watchers {
		if strings.HasPrefix(rec.Key, w.prefix) {
			w.push(rec)
		}
	}
}

// watcher queues changes without bound so a slow reader never blocks writers.
type watcher struct {
	prefix string
	signal chan struct{}

	mu    sync.Mutex
	queue []Record
}

func (w *watcher) push(rec Record) {
	w.mu.Lock()
	w.queue = append(w.queue, rec)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

// badgerLogger forwards badger's warnings and errors to zerolog.
type badgerLogger struct {
	zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Trace().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.Trace().Msgf(strings.TrimSpace(format), args...)
}
