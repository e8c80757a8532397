package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"namecard/pkg/identity"
)

const (
	GendersFile   = GendersDoc + ".json"
	NicknamesFile = NicknamesDoc + ".json"
)

// FileStore keeps genders.json and nicknames.json in one directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Location() string {
	return s.dir
}

// Load reads both documents. A missing file is an empty document; when both
// are missing Load returns ErrNotFound.
func (s *FileStore) Load(ctx context.Context) (identity.Snapshot, error) {
	genders, gErr := s.read(GendersFile)
	nicknames, nErr := s.read(NicknamesFile)

	if errors.Is(gErr, fs.ErrNotExist) && errors.Is(nErr, fs.ErrNotExist) {
		return identity.Snapshot{}, ErrNotFound
	}
	for _, err := range []error{gErr, nErr} {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return identity.Snapshot{}, err
		}
	}
	return identity.Snapshot{Genders: genders, Nicknames: nicknames}, nil
}

func (s *FileStore) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Save writes each document to a temp file and renames it into place, so a
// crash mid-write leaves the previous document intact.
func (s *FileStore) Save(ctx context.Context, snap identity.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.write(GendersFile, snap.Genders); err != nil {
		return err
	}
	return s.write(NicknamesFile, snap.Nicknames)
}

func (s *FileStore) write(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
