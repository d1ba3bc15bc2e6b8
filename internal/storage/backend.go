// Package storage keeps named environment snapshots so a sandbox can be
// saved and later restored into a fresh session.
package storage

import (
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/zot/sandbox/internal/config"
)

// ErrNotFound is returned when no snapshot has the requested name.
var ErrNotFound = errors.New("snapshot not found")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Snapshot is one stored environment export.
type Snapshot struct {
	Name     string    `json:"name"`
	Data     []byte    `json:"-"`
	Services int       `json:"services"`
	SavedAt  time.Time `json:"savedAt"`
}

// Info describes a stored snapshot without its data.
type Info struct {
	Name     string    `json:"name"`
	Services int       `json:"services"`
	Size     int       `json:"size"`
	SavedAt  time.Time `json:"savedAt"`
}

// Backend defines the interface for snapshot stores.
type Backend interface {
	// Save stores a snapshot, replacing one with the same name.
	Save(s *Snapshot) error

	// Load retrieves a snapshot by name.
	Load(name string) (*Snapshot, error)

	// List describes every stored snapshot, ordered by name.
	List() ([]Info, error)

	// Delete removes a snapshot. Deleting a missing name is not an error.
	Delete(name string) error

	// Close closes the backend.
	Close() error
}

// ValidateName rejects names that cannot be used in URLs or file names.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return errors.Errorf("invalid snapshot name %q", name)
	}
	return nil
}

// Open builds the backend the configuration names.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "", config.StorageMemory:
		return NewMemoryStorage(), nil
	case config.StorageSQLite:
		return NewSQLiteStorage(cfg.Path)
	case config.StoragePostgres:
		return NewPostgresStorage(cfg.URL)
	}
	return nil, errors.Errorf("unknown storage type %q", cfg.Type)
}

func prepare(s *Snapshot) error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now().UTC()
	}
	return nil
}
