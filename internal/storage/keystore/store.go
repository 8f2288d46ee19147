// Package keystore persists exchange credentials per schedule as files next to the database.
package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

// Store reads and writes {id}.keys files in a single directory.
type Store struct {
	dir string
}

type keysFile struct {
	Keys []string `json:"keys"`
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("keys dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create keys dir")
	}

	return &Store{dir: dir}, nil
}

// Path returns the credentials file location for a schedule.
func (s *Store) Path(scheduleID int64) string {
	return filepath.Join(s.dir, domain.KeysFileName(scheduleID))
}

// Save writes keys for a schedule atomically via temp file.
func (s *Store) Save(scheduleID int64, keys []string) error {
	payload, err := json.Marshal(keysFile{Keys: keys})
	if err != nil {
		return errors.Wrap(err, "encode keys")
	}

	path := s.Path(scheduleID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return errors.Wrap(err, "write keys temp file")
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "persist keys")
	}

	return nil
}

// Load reads keys for a schedule.
func (s *Store) Load(scheduleID int64) ([]string, error) {
	payload, err := os.ReadFile(s.Path(scheduleID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NewConfigurationError("no credentials stored for schedule %d", scheduleID)
		}
		return nil, errors.Wrap(err, "read keys")
	}

	var file keysFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, errors.Wrap(err, "decode keys")
	}

	return file.Keys, nil
}

// Delete removes the keys file. A missing file is not an error.
func (s *Store) Delete(scheduleID int64) error {
	if err := os.Remove(s.Path(scheduleID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "delete keys")
	}
	return nil
}

func (s *Store) exists(scheduleID int64) bool {
	_, err := os.Stat(s.Path(scheduleID))
	return err == nil
}
