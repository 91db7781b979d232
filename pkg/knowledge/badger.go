package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/teslashibe/go-parley/internal/log"
)

// BadgerStore is a Store backed by BadgerDB. Values are stored as msgpack
// records keyed by path.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures the Badger store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files.
	// Required unless InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Nil discards them.
	Logger *slog.Logger
}

type badgerRecord struct {
	Value     any       `msgpack:"v"`
	UpdatedAt time.Time `msgpack:"t"`
}

// NewBadgerStore opens a Badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("knowledge: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log.Or(opts.Logger).With("component", "badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Read(_ context.Context, p string) (any, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(p))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}

	var rec badgerRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("knowledge: decode %s: %w", p, err)
	}
	return rec.Value, nil
}

func (b *BadgerStore) Write(_ context.Context, p string, value any) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(badgerRecord{Value: v, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("knowledge: encode %s: %w", p, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(p), raw)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (b *BadgerStore) Delete(_ context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(p))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (b *BadgerStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().KeyCopy(nil))
			// "a/b" must not match "a/bc".
			if underPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	return keys, err
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

var _ Store = (*BadgerStore)(nil)

// badgerLogger routes badger's printf logging into slog, dropping info and debug.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn(fmt.Sprintf(f, v...)) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
