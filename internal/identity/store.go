package identity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/buntdb"
)

const (
	keyIgnorePrefix = "ignore "
	keyUserPrefix   = "user "
)

// Store persists users and ignores in a buntdb file. Timed ignores are
// stored with a TTL so buntdb expires them on its own.
type Store struct {
	db    *buntdb.DB
	clock func() time.Time
}

// OpenStore opens or creates the database at path; ":memory:" keeps it in
// memory.
func OpenStore(path string, clock func() time.Time) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity store: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ignoreKey(ig Ignore) string {
	return keyIgnorePrefix + strings.ToLower(ig.Channel) + " " + ig.Pattern
}

// PutIgnore saves an ignore. An already-expired ignore is not written.
func (s *Store) PutIgnore(ig Ignore) error {
	raw, err := json.Marshal(ig)
	if err != nil {
		return err
	}
	var opts *buntdb.SetOptions
	if !ig.Expires.IsZero() {
		ttl := ig.Expires.Sub(s.clock())
		if ttl <= 0 {
			return nil
		}
		opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(ignoreKey(ig), string(raw), opts)
		return err
	})
}

// DeleteIgnore removes an ignore.
func (s *Store) DeleteIgnore(pattern, channel string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(ignoreKey(Ignore{Pattern: pattern, Channel: channel}))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// Ignores loads every stored ignore into a new list.
func (s *Store) Ignores() (*IgnoreList, error) {
	list := NewIgnoreList()
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyIgnorePrefix+"*", func(key, value string) bool {
			var ig Ignore
			if json.Unmarshal([]byte(value), &ig) == nil {
				list.Add(ig)
			}
			return true
		})
	})
	return list, err
}

// PutUser saves a user.
func (s *Store) PutUser(u User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(keyUserPrefix+userKey(u.Name), string(raw), nil)
		return err
	})
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(name string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(keyUserPrefix + userKey(name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// Users loads every stored user into a new registry.
func (s *Store) Users() (*Users, error) {
	users := NewUsers()
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyUserPrefix+"*", func(key, value string) bool {
			var u User
			if json.Unmarshal([]byte(value), &u) == nil {
				users.Put(u)
			}
			return true
		})
	})
	return users, err
}
