package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"
)

const (
	storedExtension = ".webp"
	tempFilePattern = ".upload-*"
	randomBytes     = 8
)

// storedNamePattern matches every name NewName can produce and nothing else.
var storedNamePattern = regexp.MustCompile(`^\d+-[0-9a-f]{16}\.webp$`)

// Storage is the filesystem namespace uploads are written into and served from.
type Storage struct {
	Root string

	now  func() time.Time
	rand io.Reader
}

// NewStorage creates root if needed and pins it to an absolute, symlink-free path.
func NewStorage(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Storage{Root: abs, now: time.Now, rand: rand.Reader}, nil
}

// NewName returns "<unix-ms>-<16 hex>.webp". Uniqueness is probabilistic:
// no existence check is made before the name is used.
func (s *Storage) NewName() (string, error) {
	b := make([]byte, randomBytes)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), hex.EncodeToString(b), storedExtension), nil
}

// Resolve joins name under the root and fails closed unless the result
// sits directly inside it.
func (s *Storage) Resolve(name string) (string, error) {
	path := filepath.Join(s.Root, name)
	if filepath.Dir(path) != s.Root || filepath.Base(path) != name {
		return "", ErrInvalidStoragePath
	}
	return path, nil
}

// Write persists data under name. Bytes land in a hidden temp file first
// and are renamed into place only once complete.
func (s *Storage) Write(name string, data []byte) (err error) {
	path, err := s.Resolve(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.Root, tempFilePattern)
	if err != nil {
		return storageError(err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return storageError(err)
	}
	if err = tmp.Sync(); err != nil {
		return storageError(err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return storageError(err)
	}
	if err = tmp.Close(); err != nil {
		return storageError(err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return storageError(err)
	}
	return nil
}

// Open returns a stored artifact for reading. Anything that is not a
// generated name, including in-flight temp files, reads as not found.
func (s *Storage) Open(name string) (*os.File, fs.FileInfo, error) {
	if !storedNamePattern.MatchString(name) {
		return nil, nil, ErrNotFound
	}
	path, err := s.Resolve(name)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open stored image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat stored image: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

func storageError(err error) error {
	if isOutOfSpace(err) {
		return fmt.Errorf("%w: %v", ErrStorageExhausted, err)
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

func isOutOfSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}
