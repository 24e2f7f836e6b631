// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "themesync/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// Collection stores JSON documents of one kind under a key prefix. Keys
// sort lexically, so callers that want numeric order pad their ids.
type Collection[T any] struct {
	db     *badger.DB
	prefix string
}

func NewCollection[T any](db *badger.DB, prefix string) *Collection[T] {
	return &Collection[T]{
		db:     db,
		prefix: prefix,
	}
}

func (c *Collection[T]) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", c.prefix, id))
}

func (c *Collection[T]) Create(id string, v *T) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", c.prefix)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", c.prefix, err)
	}

	key := c.makeKey(id)
	return c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return apperrors.Conflict(fmt.Sprintf("%s already exists: %s", c.prefix, id), nil)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (c *Collection[T]) Get(id string) (*T, error) {
	var v T
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.makeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.NotFound(fmt.Sprintf("%s not found: %s", c.prefix, id))
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Put writes v whether or not id exists
func (c *Collection[T]) Put(id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", c.prefix, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.makeKey(id), data)
	})
}

// Update applies fn to the stored document inside one transaction and
// writes the result. Errors from fn abort the write.
func (c *Collection[T]) Update(id string, fn func(*T) error) (*T, error) {
	var v T
	key := c.makeKey(id)
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		data, err := json.Marshal(&v)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", c.prefix, err)
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.NotFound(fmt.Sprintf("%s not found: %s", c.prefix, id))
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Collection[T]) Delete(id string) error {
	key := c.makeKey(id)
	return c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.NotFound(fmt.Sprintf("%s not found: %s", c.prefix, id))
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// List returns every document whose id starts with sub, in key order
func (c *Collection[T]) List(sub string) ([]*T, error) {
	var out []*T
	err := c.db.View(func(txn *badger.Txn) error {
		prefix := c.makeKey(sub)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			out = append(out, &v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", c.prefix, err)
	}
	return out, nil
}

// Sequence hands out increasing ids starting at 1. It must be released
// before the database closes.
type Sequence struct {
	seq *badger.Sequence
}

func NewSequence(db *badger.DB, name string) (*Sequence, error) {
	seq, err := db.GetSequence([]byte("seq:"+name), 100)
	if err != nil {
		return nil, fmt.Errorf("opening sequence %s: %w", name, err)
	}
	return &Sequence{seq: seq}, nil
}

func (s *Sequence) Next() (int64, error) {
	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return int64(n), nil
		}
	}
}

func (s *Sequence) Release() error {
	return s.seq.Release()
}
