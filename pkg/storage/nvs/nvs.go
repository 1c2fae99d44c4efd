// Package nvs implements the non-volatile key-value collaborator over an
// embedded Badger database. Keys are scoped by namespace, mirroring the
// open-namespace/set-blob/commit contract of the platform store.
package nvs

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Store wraps a Badger database.
type Store struct {
	db     *badger.DB
	logger *logrus.Entry
}

// Open creates or opens the database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("nvs: open %s: %w", dir, err)
	}
	return &Store{
		db:     db,
		logger: logrus.WithField("component", "nvs"),
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Namespace returns a handle scoping all keys under name.
func (s *Store) Namespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

// Namespace is a scoped view of the store.
type Namespace struct {
	store *Store
	name  string
}

func (n *Namespace) key(key string) []byte {
	return []byte(n.name + "/" + key)
}

// SetBlob stores data under key.
func (n *Namespace) SetBlob(key string, data []byte) error {
	return n.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(n.key(key), data)
	})
}

// GetBlob retrieves the value stored under key.
func (n *Namespace) GetBlob(key string) ([]byte, error) {
	var out []byte
	err := n.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(n.key(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("nvs: get %s/%s: %w", n.name, key, err)
	}
	return out, nil
}

// Commit forces the store to durable media.
func (n *Namespace) Commit() error {
	return n.store.db.Sync()
}
