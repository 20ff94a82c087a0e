package secrets

import (
	"bytes"
	"errors"
	"testing"
)

var testRootSecret = []byte("test-root-secret-0123456789abcdef")

// testStore opens a fresh store in a temp directory.
func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, err := Open(t.TempDir(), testRootSecret, PurposeSessionKeys, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}

func TestStore_CreateAndGet(t *testing.T) {
	store := testStore(t)

	version, key, err := store.Create(32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if version != 0 {
		t.Errorf("first version = %d, want 0", version)
	}
	if len(key.Data) != 32 {
		t.Errorf("key length = %d, want 32", len(key.Data))
	}

	got, ok := store.Get(version)
	if !ok {
		t.Fatal("Get() should find the created version")
	}
	if !bytes.Equal(got.Data, key.Data) {
		t.Error("Get() returned different key material")
	}
}

func TestStore_VersionsAscend(t *testing.T) {
	store := testStore(t)

	for i := 0; i < 3; i++ {
		if _, _, err := store.Create(32); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	versions := store.Versions()
	if len(versions) != 3 {
		t.Fatalf("Versions() length = %d, want 3", len(versions))
	}
	for i, v := range versions {
		if v != uint64(i) {
			t.Errorf("Versions()[%d] = %d, want %d", i, v, i)
		}
	}

	all := store.All()
	for i := 1; i < len(all); i++ {
		if all[i].Version <= all[i-1].Version {
			t.Error("All() is not in ascending version order")
		}
	}
}

func TestStore_Newest(t *testing.T) {
	store := testStore(t)

	if _, _, ok := store.Newest(); ok {
		t.Error("Newest() on empty store should report no key")
	}

	store.Create(32) //nolint:errcheck // tested above
	v2, k2, err := store.Create(32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	version, key, ok := store.Newest()
	if !ok {
		t.Fatal("Newest() should find a key")
	}
	if version != v2 {
		t.Errorf("Newest() version = %d, want %d", version, v2)
	}
	if !bytes.Equal(key.Data, k2.Data) {
		t.Error("Newest() returned wrong key material")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, testRootSecret, PurposeSessionKeys)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	version, key, err := store.Create(32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	reopened, err := Open(dir, testRootSecret, PurposeSessionKeys)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}

	got, ok := reopened.Get(version)
	if !ok {
		t.Fatal("reopened store should hold the persisted key")
	}
	if !bytes.Equal(got.Data, key.Data) {
		t.Error("persisted key material differs after reopen")
	}

	// The counter must continue, not restart.
	v2, _, err := reopened.Create(32)
	if err != nil {
		t.Fatalf("Create() after reopen error = %v", err)
	}
	if v2 != version+1 {
		t.Errorf("version after reopen = %d, want %d", v2, version+1)
	}
}

func TestStore_WrongRootSecretFails(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, testRootSecret, PurposeSessionKeys)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, _, err := store.Create(32); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = Open(dir, []byte("a-completely-different-root-secret"), PurposeSessionKeys)
	if !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Open() with wrong secret error = %v, want ErrDecryptFailed", err)
	}
}

func TestStore_PurposesDeriveDistinctKeys(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, testRootSecret, PurposeSessionKeys)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, _, err := store.Create(32); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Same root secret, different purpose: files must not decrypt.
	_, err = Open(dir, testRootSecret, PurposePeppers)
	if !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Open() with different purpose error = %v, want ErrDecryptFailed", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := testStore(t)

	version, _, err := store.Create(32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Delete(version); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := store.Get(version); ok {
		t.Error("Get() should not find a deleted version")
	}
	if err := store.Delete(version); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("second Delete() error = %v, want ErrSecretNotFound", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after delete, want 0", store.Len())
	}
}

func TestStore_WithFirstVersion(t *testing.T) {
	store := testStore(t, WithFirstVersion(1))

	version, _, err := store.Create(32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if version != 1 {
		t.Errorf("first version = %d, want 1", version)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("the quick brown fox")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestDecrypt_TamperingDetected(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	ciphertext, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01

	if _, err := Decrypt(ciphertext, key); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Decrypt() of tampered ciphertext error = %v, want ErrDecryptFailed", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("payload"), bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(ciphertext, bytes.Repeat([]byte{0x02}, 32)); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrDecryptFailed", err)
	}
}
