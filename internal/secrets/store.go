package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Purpose selects the HKDF info string a store's master key is derived with.
// Distinct purposes guarantee distinct master keys from a shared root secret.
type Purpose string

// Store purposes.
const (
	PurposeSessionKeys Purpose = "cairnfs:session-keys:v1"
	PurposePeppers     Purpose = "cairnfs:password-peppers:v1"
)

const (
	// SessionKeySize is the byte length of a session signing key.
	SessionKeySize = 32

	// PepperKeySize is the byte length of a password pepper key.
	PepperKeySize = chacha20poly1305.KeySize

	// masterKeyLen is the length of the derived per-store master key.
	masterKeyLen = chacha20poly1305.KeySize

	// keyFileSuffix is the filename suffix for per-version key files.
	keyFileSuffix = ".key"

	// managerFile holds the encrypted next-version counter.
	managerFile = "manager"

	// filePermissions is the permission mode for encrypted store files.
	filePermissions = 0600

	// dirPermissions is the permission mode for the store directory.
	dirPermissions = 0700
)

// Sentinel errors for store operations.
var (
	// ErrDecryptFailed indicates a store file could not be authenticated or
	// decrypted - a wrong root secret or on-disk tampering. Fatal at load.
	ErrDecryptFailed = errors.New("secret store decrypt failed")

	// ErrSecretNotFound indicates the requested key version does not exist.
	ErrSecretNotFound = errors.New("secret version not found")
)

// Key is a single symmetric key. Immutable once created.
type Key struct {
	Data    []byte    `json:"data"`
	Created time.Time `json:"created"`
}

// Versioned pairs a key with its store version.
type Versioned struct {
	Version uint64
	Key     Key
}

// managerState is the persisted content of the manager file.
type managerState struct {
	NextVersion uint64 `json:"next_version"`
}

// Store is a versioned, ordered collection of symmetric keys backed by one
// encrypted file per version. Safe for concurrent use: reads take a shared
// lock, mutations an exclusive one, and no lock is ever held across anything
// slower than a single small file write.
type Store struct {
	dir    string
	master []byte

	mu          sync.RWMutex
	keys        map[uint64]Key
	nextVersion uint64
}

// Option customises store initialisation.
type Option func(*Store)

// WithFirstVersion sets the version the first created key receives when the
// store is brand new. The pepper store starts at 1 because version 0 is the
// "no pepper applied" sentinel in password rows. Ignored once a counter has
// been persisted.
func WithFirstVersion(v uint64) Option {
	return func(s *Store) {
		s.nextVersion = v
	}
}

// Open loads the store at dir, creating an empty one if nothing is persisted
// yet. The master key is derived from rootSecret via HKDF with the purpose
// as info string.
//
// Any file that fails to decrypt makes Open fail with ErrDecryptFailed:
// a partially trusted key store is worse than no store at all.
func Open(dir string, rootSecret []byte, purpose Purpose, opts ...Option) (*Store, error) {
	master, err := deriveMasterKey(rootSecret, purpose)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating secret store directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		master: master,
		keys:   make(map[uint64]Key),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

// deriveMasterKey derives the per-store master key from the root secret.
func deriveMasterKey(rootSecret []byte, purpose Purpose) ([]byte, error) {
	h := hkdf.New(sha256.New, rootSecret, nil, []byte(purpose))
	master := make([]byte, masterKeyLen)
	if _, err := io.ReadFull(h, master); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return master, nil
}

// load reads the manager file and every key file from disk.
func (s *Store) load() error {
	// Manager file first: it carries the version counter.
	managerPath := filepath.Join(s.dir, managerFile)
	data, err := os.ReadFile(managerPath)
	switch {
	case err == nil:
		var state managerState
		if err := s.decryptInto(data, &state); err != nil {
			return fmt.Errorf("loading manager file: %w", err)
		}
		s.nextVersion = state.NextVersion
	case os.IsNotExist(err):
		// Fresh store: keep the configured first version.
	default:
		return fmt.Errorf("reading manager file: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading secret store directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileSuffix) {
			continue
		}

		version, err := strconv.ParseUint(strings.TrimSuffix(entry.Name(), keyFileSuffix), 10, 64)
		if err != nil {
			continue // not a key file
		}

		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading key file %s: %w", entry.Name(), err)
		}

		var key Key
		if err := s.decryptInto(raw, &key); err != nil {
			return fmt.Errorf("loading key version %d: %w", version, err)
		}
		s.keys[version] = key

		// Self-heal a crash between key write and counter write: the key
		// file exists but the counter never advanced past it.
		if version >= s.nextVersion {
			s.nextVersion = version + 1
		}
	}

	return nil
}

// Create allocates the next version, generates size cryptographically random
// bytes, and persists the new key. The key file is written before the
// updated counter so a crash between the two is recoverable on reload.
func (s *Store) Create(size int) (uint64, Key, error) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return 0, Key{}, fmt.Errorf("generating key material: %w", err)
	}

	key := Key{
		Data:    data,
		Created: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.nextVersion

	if err := s.writeEncrypted(s.keyPath(version), key); err != nil {
		return 0, Key{}, fmt.Errorf("persisting key version %d: %w", version, err)
	}

	if err := s.writeEncrypted(filepath.Join(s.dir, managerFile), managerState{NextVersion: version + 1}); err != nil {
		return 0, Key{}, fmt.Errorf("persisting version counter: %w", err)
	}

	s.nextVersion = version + 1
	s.keys[version] = key

	return version, key, nil
}

// Get returns the key stored under version.
func (s *Store) Get(version uint64) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[version]
	return key, ok
}

// Newest returns the highest-versioned key. ok is false when the store is
// empty; callers then degrade to their documented unkeyed fallback.
func (s *Store) Newest() (uint64, Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := false
	var newest uint64
	for version := range s.keys {
		if !found || version > newest {
			newest = version
			found = true
		}
	}
	if !found {
		return 0, Key{}, false
	}
	return newest, s.keys[newest], true
}

// Versions returns all stored versions in ascending order.
func (s *Store) Versions() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]uint64, 0, len(s.keys))
	for v := range s.keys {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// All returns a snapshot of every stored key in ascending version order.
func (s *Store) All() []Versioned {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Versioned, 0, len(s.keys))
	for v, k := range s.keys {
		all = append(all, Versioned{Version: v, Key: k})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	return all
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Delete removes a key version from memory and disk. The caller must have
// migrated any ciphertext referencing this version first - a deleted pepper
// strands every row still encrypted under it.
func (s *Store) Delete(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[version]; !ok {
		return ErrSecretNotFound
	}

	if err := os.Remove(s.keyPath(version)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing key file for version %d: %w", version, err)
	}

	delete(s.keys, version)
	return nil
}

// keyPath returns the on-disk path for a key version.
func (s *Store) keyPath(version uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(version, 10)+keyFileSuffix)
}

// writeEncrypted serialises v, encrypts it under the master key, and writes
// it to path with restricted permissions.
func (s *Store) writeEncrypted(path string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialising: %w", err)
	}

	ciphertext, err := Encrypt(plaintext, s.master)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, ciphertext, filePermissions); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// decryptInto decrypts ciphertext under the master key and deserialises it.
func (s *Store) decryptInto(ciphertext []byte, v any) error {
	plaintext, err := Decrypt(ciphertext, s.master)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("deserialising: %w", err)
	}
	return nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305 under rawKey,
// prepending the random nonce to the returned ciphertext.
func Encrypt(plaintext, rawKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Authentication failure
// (wrong key, tampering) returns ErrDecryptFailed.
func Decrypt(ciphertext, rawKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecryptFailed)
	}

	nonce, ciphertext := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
