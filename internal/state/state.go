// Package state persists the small amount of client state that must
// survive restarts: the session token and, per account, the last version
// token the engine adopted. The cursor lets a reconnecting client tell
// the server what it last saw so missed deltas can be replayed instead
// of forcing a full refetch.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/taskmirror/taskmirror/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	tokenKey  = []byte("token")
)

func accountBucket(accountID string) []byte {
	return []byte("account:" + accountID)
}

var cursorKey = []byte("cursor")

// Cursor is the per-account sync position. Initial marks a client that
// has never completed a full fetch; the push handshake sends it so the
// server knows not to replay history.
type Cursor struct {
	Version models.Version `json:"version"`
	Initial bool           `json:"initial"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.taskmirror/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".taskmirror", "state.db")
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// GetCursor returns the sync cursor for an account, defaulting to an
// initial (never-synced) cursor.
func (s *State) GetCursor(accountID string) (Cursor, error) {
	c := Cursor{Initial: true}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountBucket(accountID))
		if b == nil {
			return nil
		}

		v := b.Get(cursorKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("loading cursor for %s: %w", accountID, err)
	}

	return c, nil
}

// SetCursor persists the sync cursor for an account.
func (s *State) SetCursor(accountID string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(accountBucket(accountID))
		if err != nil {
			return err
		}

		return b.Put(cursorKey, data)
	})
}
