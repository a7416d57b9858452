// Package audit provides the append-only audit log for dbanative.
// Records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/logging"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventProtocolReported    EventType = "protocol_reported"
	EventProtocolDisabled    EventType = "protocol_disabled"
	EventProtocolEnabled     EventType = "protocol_enabled"
	EventRecordReset         EventType = "record_reset"
	EventRecordRemoved       EventType = "record_removed"
	EventCredentialGood      EventType = "credential_good"
	EventCredentialBad       EventType = "credential_bad"
	EventCredentialForgotten EventType = "credential_forgotten"
	EventAuthPolicyViolation EventType = "auth_policy_violation"
	EventOverrideChanged     EventType = "override_changed"
	EventPolicyChanged       EventType = "policy_changed"
	EventProfileAdded        EventType = "profile_added"
	EventProfileRemoved      EventType = "profile_removed"
	EventBrokerStarted       EventType = "broker_started"
	EventBrokerStopped       EventType = "broker_stopped"
	EventSessionsPurged      EventType = "sessions_purged"
)

// Logger writes tamper-evident audit records to the audit database. It also
// implements connection.Observer so every protocol and credential report is
// recorded.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	runID    string
	operator string
	clock    func() time.Time
	log      zerolog.Logger
}

// NewLogger creates an audit logger tagging records with runID.
func NewLogger(db *sql.DB, runID string) (*Logger, error) {
	al := &Logger{
		db:       db,
		runID:    runID,
		operator: "local",
		clock:    time.Now,
		log:      zerolog.Nop(),
	}

	// Recover last hash for chain continuity
	var lastHash sql.NullString
	err := db.QueryRow("SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1").Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// SetLogger sets where observer write failures are reported.
func (al *Logger) SetLogger(l zerolog.Logger) {
	al.log = l
}

// SetOperator sets the operator name stamped on later records.
func (al *Logger) SetOperator(op string) {
	al.mu.Lock()
	al.operator = op
	al.mu.Unlock()
}

// Log writes an audit event. The record is appended immutably with a hash chain.
func (al *Logger) Log(eventType EventType, host string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	ts := al.clock().UTC().Format(time.RFC3339Nano)
	recordHash := chainHash(al.lastHash, ts, string(eventType), al.operator, host, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, run_id, operator, event_type, host, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts,
		al.runID,
		al.operator,
		string(eventType),
		host,
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// ProtocolReported records a protocol attempt outcome.
func (al *Logger) ProtocolReported(host string, p core.Protocol, state core.ProtocolState, at time.Time) {
	al.logQuietly(EventProtocolReported, host, map[string]string{
		"protocol":   p.String(),
		"state":      state.String(),
		"attempt_at": at.UTC().Format(time.RFC3339Nano),
	})
}

// CredentialReported records a credential outcome. Only the user name and a
// redacted fingerprint of the secret are written.
func (al *Logger) CredentialReported(host string, cred *core.Credential, good bool) {
	event := EventCredentialBad
	if good {
		event = EventCredentialGood
	}
	detail := map[string]string{"user_name": cred.Identity()}
	if cred != nil {
		detail["fingerprint"] = logging.RedactValue(cred.Secret)
	}
	al.logQuietly(event, host, detail)
}

func (al *Logger) logQuietly(event EventType, host string, detail any) {
	if err := al.Log(event, host, detail); err != nil {
		al.log.Warn().Err(err).Str("event", string(event)).Str("host", host).Msg("audit write failed")
	}
}

// chainHash creates the hash chain link:
// SHA-256(previousHash + timestamp + eventType + operator + host + detail)
func chainHash(prev, ts, eventType, operator, host, detail string) string {
	h := sha256.Sum256([]byte(prev + ts + eventType + operator + host + detail))
	return hex.EncodeToString(h[:])
}

// Record is one row of the audit log.
type Record struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"timestamp"`
	RunID     string          `json:"run_id"`
	Operator  string          `json:"operator"`
	EventType EventType       `json:"event_type"`
	Host      string          `json:"host,omitempty"`
	Detail    json.RawMessage `json:"detail"`
}

// Recent returns the newest records, newest first. An empty host matches all
// hosts; limit <= 0 means 50.
func Recent(db *sql.DB, host string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, timestamp, run_id, operator, event_type, host, detail
		 FROM audit_log WHERE (? = '' OR host = ?) ORDER BY id DESC LIMIT ?`,
		host, host, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var detail string
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.RunID, &r.Operator, &r.EventType, &r.Host, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.Detail = json.RawMessage(detail)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Verify checks the integrity of the audit chain.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, operator, host, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, operator, host, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &operator, &host, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		if chainHash(previousHash, ts, eventType, operator, host, detail) != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}
