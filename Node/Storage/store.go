package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	configurations "lamport-kv/Configurations"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a node's local replica. It is backed by sqlite, either in memory
// or in a per-node file that is wiped on Open, so a restart always starts
// from an empty replica.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	stmtGet *sql.Stmt
	stmtPut *sql.Stmt
}

func Open(dsn string) (*Store, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init replica store %s: %w", dsn, err)
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS replica`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE TABLE replica (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	var err error
	if s.stmtGet, err = s.db.Prepare(`SELECT value FROM replica WHERE key = ?`); err != nil {
		return err
	}
	if s.stmtPut, err = s.db.Prepare(`INSERT INTO replica(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`); err != nil {
		return err
	}
	return nil
}

func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.stmtGet.QueryRow(key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.stmtPut.Exec(key, value)
	return err
}

// Snapshot returns every pair, numeric keys first in numeric order, then the
// remaining keys in lexical order.
func (s *Store) Snapshot() ([]configurations.Pair, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT key, value FROM replica`)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var pairs []configurations.Pair
	for rows.Next() {
		var p configurations.Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, err
		}
		pairs = append(pairs, p)
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	SortPairs(pairs)
	return pairs, nil
}

func SortPairs(pairs []configurations.Pair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return keyLess(pairs[i].Key, pairs[j].Key)
	})
}

// keyLess orders all-digit keys first by numeric value, then every other key
// lexically. Signs, spaces and other characters make a key non-numeric.
func keyLess(a, b string) bool {
	da, db := isDigits(a), isDigits(b)
	switch {
	case da && db:
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			return len(ta) < len(tb)
		}
		if ta != tb {
			return ta < tb
		}
		return a < b
	case da:
		return true
	case db:
		return false
	default:
		return a < b
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stmtGet != nil {
		s.stmtGet.Close()
	}
	if s.stmtPut != nil {
		s.stmtPut.Close()
	}
	return s.db.Close()
}
