package audit

import (
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/db"
)

func setupAuditDB(t *testing.T) *sql.DB {
	t.Helper()
	adb, err := db.OpenAuditDB(t.TempDir())
	if err != nil {
		t.Fatalf("opening audit db: %v", err)
	}
	t.Cleanup(func() { adb.Close() })
	return adb
}

func TestLogAndVerify(t *testing.T) {
	adb := setupAuditDB(t)

	logger, err := NewLogger(adb, "run-1")
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}

	logger.Log(EventProtocolDisabled, "sql01", map[string]string{"protocol": "CimRM"})
	logger.Log(EventPolicyChanged, "", map[string]bool{"disable_bad_credential_cache": true})
	logger.Log(EventProfileAdded, "", map[string]string{"name": "svc"})

	valid, count, err := Verify(adb)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid {
		t.Error("expected valid chain")
	}
	if count != 3 {
		t.Errorf("expected 3 records, got %d", count)
	}
}

func TestChainTamperDetection(t *testing.T) {
	adb := setupAuditDB(t)

	logger, err := NewLogger(adb, "run-1")
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}

	logger.Log(EventRecordReset, "sql01", map[string]string{"a": "1"})
	logger.Log(EventRecordReset, "sql02", map[string]string{"b": "2"})
	logger.Log(EventRecordReset, "sql03", map[string]string{"c": "3"})

	adb.Exec("UPDATE audit_log SET host = 'sql99' WHERE id = 2")

	valid, _, err := Verify(adb)
	if err == nil {
		t.Error("expected error from tampered chain")
	}
	if valid {
		t.Error("expected invalid chain after tampering")
	}
}

func TestEmptyChainIsValid(t *testing.T) {
	adb := setupAuditDB(t)

	valid, count, err := Verify(adb)
	if err != nil {
		t.Fatalf("verify empty: %v", err)
	}
	if !valid {
		t.Error("expected empty chain to be valid")
	}
	if count != 0 {
		t.Errorf("expected 0 records, got %d", count)
	}
}

func TestNewLoggerRecoversPreviousHash(t *testing.T) {
	adb := setupAuditDB(t)

	logger1, _ := NewLogger(adb, "run-1")
	logger1.Log(EventBrokerStarted, "", map[string]string{"first": "event"})

	// Simulates a restart.
	logger2, _ := NewLogger(adb, "run-2")
	logger2.Log(EventBrokerStopped, "", map[string]string{"second": "event"})

	valid, count, err := Verify(adb)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid {
		t.Error("expected valid chain after logger recovery")
	}
	if count != 2 {
		t.Errorf("expected 2 records, got %d", count)
	}
}

func TestObserverRecordsReports(t *testing.T) {
	adb := setupAuditDB(t)

	logger, _ := NewLogger(adb, "run-1")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	logger.ProtocolReported("sql01", core.ProtocolWmi, core.StateError, at)
	logger.CredentialReported("sql01", &core.Credential{UserName: "sa", Secret: "Hunter2!"}, false)
	logger.CredentialReported("sql01", nil, true)

	records, err := Recent(adb, "sql01", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	// Newest first.
	if records[0].EventType != EventCredentialGood || records[2].EventType != EventProtocolReported {
		t.Errorf("unexpected order: %s, %s", records[0].EventType, records[2].EventType)
	}

	var ambient map[string]string
	json.Unmarshal(records[0].Detail, &ambient)
	if ambient["user_name"] != "(ambient)" {
		t.Errorf("ambient report detail = %v", ambient)
	}
	if _, ok := ambient["fingerprint"]; ok {
		t.Error("ambient report should carry no fingerprint")
	}

	bad := string(records[1].Detail)
	if strings.Contains(bad, "Hunter2!") {
		t.Errorf("secret leaked into audit detail: %s", bad)
	}
	if !strings.Contains(bad, `"user_name":"sa"`) {
		t.Errorf("bad credential detail missing user: %s", bad)
	}

	var proto map[string]string
	json.Unmarshal(records[2].Detail, &proto)
	if proto["protocol"] != "Wmi" || proto["state"] != "error" {
		t.Errorf("protocol detail = %v", proto)
	}
}

func TestRecentFiltersAndLimits(t *testing.T) {
	adb := setupAuditDB(t)
	logger, _ := NewLogger(adb, "run-1")

	for i := 0; i < 5; i++ {
		logger.Log(EventRecordReset, "sql01", nil)
	}
	logger.Log(EventRecordReset, "sql02", nil)

	all, _ := Recent(adb, "", 0)
	if len(all) != 6 {
		t.Errorf("expected 6 records across hosts, got %d", len(all))
	}
	limited, _ := Recent(adb, "sql01", 2)
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
	for _, r := range limited {
		if r.Host != "sql01" || r.RunID != "run-1" {
			t.Errorf("unexpected record %+v", r)
		}
	}
}
