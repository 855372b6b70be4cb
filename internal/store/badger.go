package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

const (
	modelPrefix = "model/"
	seqKey      = "meta/seq"
)

// Config configures a badger-backed catalog.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     zerolog.Logger
}

// BadgerStore implements Store on an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger

	// serializes writers so read-modify-write never interleaves
	mu        sync.Mutex
	listeners []ChangeFunc
	lmu       sync.RWMutex
}

var validate = validator.New()

// badgerLogger adapts zerolog to badger's Logger interface.
type badgerLogger struct{ l zerolog.Logger }

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.l.Error().Msgf(f, a...) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warn().Msgf(f, a...) }
func (b badgerLogger) Infof(f string, a ...interface{})    { b.l.Debug().Msgf(f, a...) }
func (b badgerLogger) Debugf(f string, a ...interface{})   { b.l.Trace().Msgf(f, a...) }

// Open opens (creating if needed) a catalog.
func Open(cfg Config) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store: path is required for persistent catalog")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errs.IO(err, "create catalog dir %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	logger := cfg.Logger.With().Str("component", "store").Logger()
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.IO(err, "open catalog")
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// OpenInMemory opens a throwaway catalog for tests and dry runs.
func OpenInMemory() (*BadgerStore, error) {
	return Open(Config{InMemory: true, Logger: zerolog.Nop()})
}

func modelKey(key string) []byte { return []byte(modelPrefix + key) }

func (s *BadgerStore) Subscribe(fn ChangeFunc) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

func (s *BadgerStore) notify(op Op, cfg types.ModelConfig) {
	s.lmu.RLock()
	ls := append([]ChangeFunc(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, fn := range ls {
		fn(op, cfg)
	}
}

func validateConfig(cfg types.ModelConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return errs.Validation("invalid model config %q: %v", cfg.Name, err)
	}
	return nil
}

func (s *BadgerStore) Add(cfg types.ModelConfig) (types.ModelConfig, error) {
	return s.insert(cfg, nil)
}

// AddUnique inserts cfg unless a record already has its path or its
// name/base/type. The check and the insert run in one transaction under the
// store lock.
func (s *BadgerStore) AddUnique(cfg types.ModelConfig) (types.ModelConfig, error) {
	return s.insert(cfg, func(txn *badger.Txn) error {
		return eachConfig(txn, func(c types.ModelConfig) error {
			if c.Path == cfg.Path {
				return errs.Validation("%s is already installed as %s", cfg.Path, c.Key)
			}
			if c.Name == cfg.Name && c.Base == cfg.Base && c.Type == cfg.Type {
				return errs.Validation("a %s %s model named %q is already installed", cfg.Base, cfg.Type, cfg.Name)
			}
			return nil
		})
	})
}

func (s *BadgerStore) insert(cfg types.ModelConfig, guard func(*badger.Txn) error) (types.ModelConfig, error) {
	if err := validateConfig(cfg); err != nil {
		return types.ModelConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(modelKey(cfg.Key)); err == nil {
			return errs.Validation("duplicate model key %s", cfg.Key)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if guard != nil {
			if err := guard(txn); err != nil {
				return err
			}
		}
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		cfg.Seq = seq
		cfg.CreatedAt = now
		cfg.UpdatedAt = now
		return putConfig(txn, cfg)
	})
	if err != nil {
		return types.ModelConfig{}, wrapTxn(err, "add model %s", cfg.Key)
	}
	s.logger.Debug().Str("event", "catalog_add").Str("key", cfg.Key).Str("name", cfg.Name).Msg("model added")
	s.notify(OpAdd, cfg)
	return cfg, nil
}

func (s *BadgerStore) Get(key string) (types.ModelConfig, error) {
	var cfg types.ModelConfig
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		cfg, err = getConfig(txn, key)
		return err
	})
	if err != nil {
		return types.ModelConfig{}, wrapTxn(err, "get model %s", key)
	}
	return cfg, nil
}

func (s *BadgerStore) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

func (s *BadgerStore) Update(key string, fn func(*types.ModelConfig) error) (types.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out types.ModelConfig
	err := s.db.Update(func(txn *badger.Txn) error {
		cfg, err := getConfig(txn, key)
		if err != nil {
			return err
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		// identity fields are owned by the store
		cfg.Key = key
		if err := validateConfig(cfg); err != nil {
			return err
		}
		cfg.UpdatedAt = time.Now().UTC()
		out = cfg
		return putConfig(txn, cfg)
	})
	if err != nil {
		return types.ModelConfig{}, wrapTxn(err, "update model %s", key)
	}
	s.notify(OpUpdate, out)
	return out, nil
}

func (s *BadgerStore) Delete(key string) (types.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old types.ModelConfig
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if old, err = getConfig(txn, key); err != nil {
			return err
		}
		return txn.Delete(modelKey(key))
	})
	if err != nil {
		return types.ModelConfig{}, wrapTxn(err, "delete model %s", key)
	}
	s.logger.Debug().Str("event", "catalog_delete").Str("key", key).Msg("model deleted")
	s.notify(OpDelete, old)
	return old, nil
}

func (s *BadgerStore) Search(f types.ModelFilter) ([]types.ModelConfig, error) {
	var out []types.ModelConfig
	err := s.db.View(func(txn *badger.Txn) error {
		return eachConfig(txn, func(cfg types.ModelConfig) error {
			if f.Match(cfg) {
				out = append(out, cfg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.IO(err, "search catalog")
	}
	// badger iterates in key order; callers want insertion order
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// eachConfig decodes every record visible to txn and stops at the first
// error fn returns.
func eachConfig(txn *badger.Txn, fn func(types.ModelConfig) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(modelPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var cfg types.ModelConfig
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &cfg) }); err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) FindByPath(path string) (types.ModelConfig, bool, error) {
	all, err := s.Search(types.ModelFilter{})
	if err != nil {
		return types.ModelConfig{}, false, err
	}
	for _, c := range all {
		if c.Path == path {
			return c, true, nil
		}
	}
	return types.ModelConfig{}, false, nil
}

// RunGC triggers one value-log garbage collection pass.
func (s *BadgerStore) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func getConfig(txn *badger.Txn, key string) (types.ModelConfig, error) {
	var cfg types.ModelConfig
	item, err := txn.Get(modelKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cfg, errs.NotFound("unknown model key %s", key)
	}
	if err != nil {
		return cfg, err
	}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &cfg) })
	return cfg, err
}

func putConfig(txn *badger.Txn, cfg types.ModelConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return txn.Set(modelKey(cfg.Key), b)
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var cur uint64
	item, err := txn.Get([]byte(seqKey))
	switch {
	case err == nil:
		if err := item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt sequence value")
			}
			cur = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	cur++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur)
	return cur, txn.Set([]byte(seqKey), buf)
}

// wrapTxn keeps classified errors intact and marks the rest as IO failures.
func wrapTxn(err error, format string, args ...any) error {
	if errs.KindOf(err) != "" {
		return errors.Wrapf(err, format, args...)
	}
	return errs.IO(err, format, args...)
}
