package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenStateDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenStateDB(dir)
	if err != nil {
		t.Fatalf("OpenStateDB: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"host_records", "protocol_states", "credential_profiles"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, StateDBFile)); err != nil {
		t.Errorf("DB file not created: %v", err)
	}
}

func TestStateDBCascadesProtocolStates(t *testing.T) {
	db, err := OpenStateDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStateDB: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO host_records (host, updated_at) VALUES ('sql01', 'now')`); err != nil {
		t.Fatalf("insert host: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO protocol_states (host, protocol, state) VALUES ('sql01', 'Wmi', 'success')`); err != nil {
		t.Fatalf("insert state: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM host_records WHERE host = 'sql01'`); err != nil {
		t.Fatalf("delete host: %v", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM protocol_states`).Scan(&n)
	if n != 0 {
		t.Errorf("expected protocol states to cascade, %d left", n)
	}
}

func TestOpenAuditDB(t *testing.T) {
	db, err := OpenAuditDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='audit_log'",
	).Scan(&name)
	if err != nil {
		t.Error("audit_log table not found")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		db, err := OpenStateDB(dir)
		if err != nil {
			t.Fatalf("OpenStateDB #%d: %v", i+1, err)
		}
		db.Close()
	}
}

func TestEnsureStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	if err := EnsureStateDir(dir); err != nil {
		t.Fatalf("EnsureStateDir: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Directory not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("Directory has permissions %o, want 0700", perm)
	}

	os.Chmod(dir, 0755)
	if err := EnsureStateDir(dir); err != nil {
		t.Fatalf("EnsureStateDir on existing dir: %v", err)
	}
	info, _ = os.Stat(dir)
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("expected existing directory tightened to 0700, got %o", perm)
	}
}
