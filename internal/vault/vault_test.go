package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbanative/dbanative/internal/core"
)

func TestVaultCreateAndRetrieve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, VaultFileName)

	v, err := Create(path, "testpassphrase123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	secret := []byte("Summer2024!")
	if err := v.Put("profile:sa", secret); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := v.Get("profile:sa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(secret) {
		t.Fatalf("Got %q, want %q", got, secret)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v2, err := Open(path, "testpassphrase123")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()

	got2, err := v2.Get("profile:sa")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got2) != string(secret) {
		t.Fatalf("After reopen: got %q, want %q", got2, secret)
	}
}

func TestVaultWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)

	v, err := Create(path, "correctpassphrase")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v.Close()

	// An empty vault still detects a wrong passphrase through its check entry.
	if _, err := Open(path, "wrongpassphrase"); err != ErrBadPassphrase {
		t.Fatalf("Expected ErrBadPassphrase, got %v", err)
	}
}

func TestVaultMemoryOnly(t *testing.T) {
	v, err := CreateMemoryOnly("testpass")
	if err != nil {
		t.Fatalf("CreateMemoryOnly: %v", err)
	}
	defer v.Close()

	if err := v.Put("key1", []byte("value1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := v.Get("key1")
	if err != nil || string(got) != "value1" {
		t.Fatalf("Get: %q, %v", got, err)
	}
	if v.path != "" {
		t.Fatal("Memory-only vault should have empty path")
	}
	if err := v.Save(); err != nil {
		t.Fatalf("Save on memory-only vault: %v", err)
	}
}

func TestVaultCredentials(t *testing.T) {
	v, err := CreateMemoryOnly("testpass")
	if err != nil {
		t.Fatalf("CreateMemoryOnly: %v", err)
	}
	defer v.Close()

	cred := &core.Credential{UserName: `CONTOSO\svc_sql`, Secret: "p@ss"}
	if err := v.PutCredential("host:sql01:good", cred); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	got, err := v.GetCredential("host:sql01:good")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if !got.Matches(cred) {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := v.PutCredential("host:sql01:good", nil); err == nil {
		t.Error("expected nil credential to be rejected")
	}

	list := []core.Credential{*cred, {UserName: "sa", Secret: "x"}}
	if err := v.PutCredentials("host:sql01:bad", list); err != nil {
		t.Fatalf("PutCredentials: %v", err)
	}
	back, err := v.GetCredentials("host:sql01:bad")
	if err != nil || len(back) != 2 || back[1].UserName != "sa" {
		t.Fatalf("GetCredentials: %+v, %v", back, err)
	}
}

func TestVaultNotFound(t *testing.T) {
	v, _ := CreateMemoryOnly("testpass")
	defer v.Close()

	if _, err := v.Get("missing"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := v.Delete("missing"); !IsNotFound(err) {
		t.Errorf("expected not found on delete, got %v", err)
	}
}

func TestVaultEntryKeyBinding(t *testing.T) {
	v, _ := CreateMemoryOnly("testpass")
	defer v.Close()

	v.Put("a", []byte("alpha"))
	// Moving ciphertext to another key must fail authentication.
	v.entries["b"] = v.entries["a"]
	if _, err := v.Get("b"); err == nil {
		t.Fatal("expected swapped ciphertext to fail")
	}
}

func TestVaultDeleteAndKeys(t *testing.T) {
	v, err := CreateMemoryOnly("testpass")
	if err != nil {
		t.Fatalf("CreateMemoryOnly: %v", err)
	}
	defer v.Close()

	v.Put("host:sql01:good", []byte("1"))
	v.Put("host:sql01:bad", []byte("2"))
	v.Put("host:sql02:good", []byte("3"))
	v.Put("profile:sa", []byte("4"))

	if err := v.Delete("profile:sa"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v.Has("profile:sa") {
		t.Fatal("profile:sa should be deleted")
	}

	keys := v.Keys("host:sql01:")
	if len(keys) != 2 || keys[0] != "host:sql01:bad" || keys[1] != "host:sql01:good" {
		t.Fatalf("Keys(prefix) = %v", keys)
	}
	if len(v.Keys("")) != 3 {
		t.Fatalf("Expected 3 keys, got %v", v.Keys(""))
	}

	if n := v.DeletePrefix("host:sql01:"); n != 2 {
		t.Errorf("DeletePrefix removed %d, want 2", n)
	}
	if len(v.Keys("")) != 1 {
		t.Errorf("expected 1 key left, got %v", v.Keys(""))
	}
}

func TestVaultFilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, VaultFileName)

	v, err := Create(path, "testpassphrase123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v.Put("key", []byte("val"))
	v.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("Expected permissions 0600, got %o", perm)
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, ".vault-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
	if !Exists(path) || Exists(filepath.Join(dir, "other.vault")) {
		t.Error("Exists reported the wrong answer")
	}
}
