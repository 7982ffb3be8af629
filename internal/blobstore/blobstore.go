// Package blobstore keeps the source images of registered cases encrypted at rest.
package blobstore

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/crypto/chacha20poly1305"
)

// Extension is appended to the embedding id to name a blob file.
const Extension = ".enc"

var (
	// ErrNotFound is returned when a blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrOutsideStore is returned for references that do not point into the store directory.
	ErrOutsideStore = errors.New("blob reference outside store")
)

// Store writes XChaCha20-Poly1305 encrypted blobs as <dir>/<embeddingId>.enc.
// Each file holds the nonce followed by the ciphertext; the file name is bound
// as additional data so a blob cannot be swapped between cases.
type Store struct {
	dir  string
	aead cipher.AEAD
}

// New creates a store rooted at dir with a 32-byte key.
func New(dir string, key []byte) (*Store, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob directory: %w", err)
	}
	return &Store{dir: abs, aead: aead}, nil
}

// Dir returns the absolute store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Ref returns the reference a blob for embeddingID is stored under.
func (s *Store) Ref(embeddingID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(embeddingID, 10)+Extension)
}

// Put encrypts plaintext and writes it atomically, returning the blob reference.
func (s *Store) Put(embeddingID int64, plaintext []byte) (string, error) {
	ref := s.Ref(embeddingID)

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(filepath.Base(ref)))

	if err := renameio.WriteFile(ref, sealed, 0o600); err != nil {
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	return ref, nil
}

// Get reads and decrypts a blob.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is confined to the store directory
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}

	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("blob %s is truncated", ref)
	}
	plaintext, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(filepath.Base(path)))
	if err != nil {
		return nil, fmt.Errorf("decrypt blob %s: %w", ref, err)
	}
	return plaintext, nil
}

// Exists reports whether the blob file is present.
func (s *Store) Exists(ref string) (bool, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", ref, err)
	}
	return true, nil
}

// Remove deletes a blob without overwriting it. Missing blobs are a no-op.
func (s *Store) Remove(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob %s: %w", ref, err)
	}
	return nil
}

// SecureDelete overwrites the blob with random bytes passes times, syncing
// after each pass, then removes it. A missing blob reports existed=false.
func (s *Store) SecureDelete(ref string, passes int) (existed bool, err error) {
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0) //nolint:gosec // path is confined to the store directory
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("open blob %s: %w", ref, err)
	}

	if err := overwrite(f, passes); err != nil {
		_ = f.Close()
		return true, fmt.Errorf("overwrite blob %s: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		return true, fmt.Errorf("close blob %s: %w", ref, err)
	}
	if err := os.Remove(path); err != nil {
		return true, fmt.Errorf("remove blob %s: %w", ref, err)
	}
	return true, nil
}

func overwrite(f *os.File, passes int) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	for range passes {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(f, rand.Reader, size); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps a reference to a path and rejects anything outside the store.
// Bare file names are taken relative to the store directory.
func (s *Store) resolve(ref string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("%s: %w", ref, ErrOutsideStore)
	}
	return path, nil
}
