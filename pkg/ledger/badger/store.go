// Package badger persists the grant ledger in BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittogate/pkg/ledger"
)

// keyPrefix namespaces grant entries: "grant:<address>".
const keyPrefix = "grant:"

func key(address string) []byte {
	return []byte(keyPrefix + address)
}

// Config configures a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the database in RAM.
	InMemory bool
}

// Store is a ledger.Ledger backed by BadgerDB.
type Store struct {
	db *badger.DB
}

var _ ledger.Ledger = (*Store)(nil)

// Open opens or creates the database.
func Open(config Config) (*Store, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("badger ledger path is required")
		}
		opts = badger.DefaultOptions(config.Path).WithSyncWrites(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.Path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Record(ctx context.Context, e ledger.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode grant for %s: %w", e.Address, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(e.Address), data)
	})
}

func (s *Store) Delete(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(address))
	})
}

// List returns entries in key order, i.e. sorted by address.
func (s *Store) List(ctx context.Context) ([]ledger.Entry, error) {
	var entries []ledger.Entry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var e ledger.Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode grant %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
