package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStorage is a SQLite snapshot store.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %s", path)
	}
	// One connection keeps :memory: databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			services INTEGER DEFAULT 0,
			saved_at INTEGER NOT NULL
		);
	`)
	return errors.Wrap(err, "creating snapshots table")
}

// Save stores a snapshot, replacing any with the same name.
func (s *SQLiteStorage) Save(snap *Snapshot) error {
	if err := prepare(snap); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO snapshots (name, data, services, saved_at)
		VALUES (?, ?, ?, ?)
	`, snap.Name, snap.Data, snap.Services, snap.SavedAt.UnixNano())
	return errors.Wrapf(err, "saving snapshot %s", snap.Name)
}

// Load retrieves a snapshot.
func (s *SQLiteStorage) Load(name string) (*Snapshot, error) {
	snap := &Snapshot{Name: name}
	var savedAt int64
	err := s.db.QueryRow(`
		SELECT data, services, saved_at FROM snapshots WHERE name = ?
	`, name).Scan(&snap.Data, &snap.Services, &savedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading snapshot %s", name)
	}
	snap.SavedAt = time.Unix(0, savedAt).UTC()
	return snap, nil
}

// List describes every snapshot.
func (s *SQLiteStorage) List() ([]Info, error) {
	rows, err := s.db.Query(`
		SELECT name, services, length(data), saved_at FROM snapshots ORDER BY name
	`)
	if err != nil {
		return nil, errors.Wrap(err, "listing snapshots")
	}
	defer rows.Close()

	infos := []Info{}
	for rows.Next() {
		var info Info
		var savedAt int64
		if err := rows.Scan(&info.Name, &info.Services, &info.Size, &savedAt); err != nil {
			return nil, errors.Wrap(err, "reading snapshot row")
		}
		info.SavedAt = time.Unix(0, savedAt).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes a snapshot.
func (s *SQLiteStorage) Delete(name string) error {
	_, err := s.db.Exec("DELETE FROM snapshots WHERE name = ?", name)
	return errors.Wrapf(err, "deleting snapshot %s", name)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
