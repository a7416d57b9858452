// Package store persists connection records between broker runs. Protocol
// outcomes, overrides and credential identities go to the state database;
// credential secrets go to the vault.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/logging"
	"github.com/dbanative/dbanative/internal/vault"
)

// Store reads and writes record snapshots.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
	log   zerolog.Logger
}

// NewStore creates a store over the state database and vault. A nil vault
// persists identities only; secrets are then dropped on save.
func NewStore(db *sql.DB, v *vault.Vault, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		vault: v,
		log:   logging.Subsystem(log, "store"),
	}
}

func goodKey(host string) string { return "host:" + host + ":good" }
func badKey(host string) string  { return "host:" + host + ":bad" }

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// SaveRecord writes one snapshot, replacing what was stored for its host.
func (s *Store) SaveRecord(snap core.RecordSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeRecord(tx, snap, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record %s: %w", snap.Host, err)
	}
	return s.saveVault()
}

// SaveAll writes every record in reg and prunes hosts the registry no longer
// holds. It returns the number of records written.
func (s *Store) SaveAll(reg *connection.Registry) (int, error) {
	records := reg.Records()
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	keep := make(map[string]bool, len(records))
	for _, rec := range records {
		snap := rec.Snapshot()
		if err := s.writeRecord(tx, snap, now); err != nil {
			return 0, err
		}
		keep[snap.Host] = true
	}

	stored, err := s.hosts(tx)
	if err != nil {
		return 0, err
	}
	for _, host := range stored {
		if keep[host] {
			continue
		}
		if err := s.deleteHost(tx, host); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing records: %w", err)
	}
	if err := s.saveVault(); err != nil {
		return 0, err
	}

	s.log.Debug().Int("records", len(records)).Msg("connection state saved")
	return len(records), nil
}

func (s *Store) writeRecord(tx execer, snap core.RecordSnapshot, now time.Time) error {
	var goodIdentity string
	if snap.GoodCredential != nil {
		goodIdentity = snap.GoodCredential.UserName
	}
	badIdentities := make([]string, 0, len(snap.BadCredentials))
	for _, c := range snap.BadCredentials {
		badIdentities = append(badIdentities, c.UserName)
	}
	badJSON, _ := json.Marshal(badIdentities)

	_, err := tx.Exec(
		`INSERT INTO host_records (host, ambient_good, ambient_bad, good_identity, bad_identities,
			disable_bad_credential_cache, disable_credential_auto_register, override_explicit_credential,
			enable_credential_failover, disable_session_persistence, overrides_global_disablement, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET
			ambient_good = excluded.ambient_good,
			ambient_bad = excluded.ambient_bad,
			good_identity = excluded.good_identity,
			bad_identities = excluded.bad_identities,
			disable_bad_credential_cache = excluded.disable_bad_credential_cache,
			disable_credential_auto_register = excluded.disable_credential_auto_register,
			override_explicit_credential = excluded.override_explicit_credential,
			enable_credential_failover = excluded.enable_credential_failover,
			disable_session_persistence = excluded.disable_session_persistence,
			overrides_global_disablement = excluded.overrides_global_disablement,
			updated_at = excluded.updated_at`,
		snap.Host,
		boolToInt(snap.AmbientIdentityGood),
		boolToInt(snap.AmbientIdentityBad),
		goodIdentity,
		string(badJSON),
		snap.DisableBadCredentialCache.String(),
		snap.DisableCredentialAutoReg.String(),
		snap.OverrideExplicitCredential.String(),
		snap.EnableCredentialFailover.String(),
		snap.DisableSessionPersistence.String(),
		boolToInt(snap.OverridesGlobalDisablement),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving record %s: %w", snap.Host, err)
	}

	for _, st := range snap.Protocols {
		var last string
		if !st.LastAttempt.IsZero() {
			last = st.LastAttempt.UTC().Format(time.RFC3339Nano)
		}
		_, err := tx.Exec(
			`INSERT INTO protocol_states (host, protocol, state, last_attempt) VALUES (?, ?, ?, ?)
			 ON CONFLICT(host, protocol) DO UPDATE SET state = excluded.state, last_attempt = excluded.last_attempt`,
			snap.Host, st.Protocol.String(), st.State.String(), last,
		)
		if err != nil {
			return fmt.Errorf("saving %s state for %s: %w", st.Protocol, snap.Host, err)
		}
	}

	return s.writeSecrets(snap)
}

func (s *Store) writeSecrets(snap core.RecordSnapshot) error {
	if s.vault == nil {
		return nil
	}
	if snap.GoodCredential != nil {
		if err := s.vault.PutCredential(goodKey(snap.Host), snap.GoodCredential); err != nil {
			return fmt.Errorf("storing good credential for %s: %w", snap.Host, err)
		}
	} else if err := s.vault.Delete(goodKey(snap.Host)); err != nil && !vault.IsNotFound(err) {
		return err
	}

	if len(snap.BadCredentials) > 0 {
		if err := s.vault.PutCredentials(badKey(snap.Host), snap.BadCredentials); err != nil {
			return fmt.Errorf("storing bad credentials for %s: %w", snap.Host, err)
		}
	} else if err := s.vault.Delete(badKey(snap.Host)); err != nil && !vault.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Store) saveVault() error {
	if s.vault == nil {
		return nil
	}
	if err := s.vault.Save(); err != nil {
		return fmt.Errorf("saving vault: %w", err)
	}
	return nil
}

// LoadInto restores every stored record into reg and returns how many were
// loaded. Credentials whose secrets are missing from the vault are skipped.
func (s *Store) LoadInto(reg *connection.Registry) (int, error) {
	snaps, err := s.Load()
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		reg.Restore(snap)
	}
	s.log.Debug().Int("records", len(snaps)).Msg("connection state loaded")
	return len(snaps), nil
}

// Load reads every stored snapshot, ordered by host.
func (s *Store) Load() ([]core.RecordSnapshot, error) {
	rows, err := s.db.Query(
		`SELECT host, ambient_good, ambient_bad, good_identity, bad_identities,
			disable_bad_credential_cache, disable_credential_auto_register, override_explicit_credential,
			enable_credential_failover, disable_session_persistence, overrides_global_disablement
		 FROM host_records ORDER BY host`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying host records: %w", err)
	}

	var snaps []core.RecordSnapshot
	for rows.Next() {
		var (
			snap                    core.RecordSnapshot
			ambientGood, ambientBad int
			globalOverride          int
			goodIdentity, badJSON   string
			overrides               [5]string
		)
		err := rows.Scan(
			&snap.Host, &ambientGood, &ambientBad, &goodIdentity, &badJSON,
			&overrides[0], &overrides[1], &overrides[2], &overrides[3], &overrides[4],
			&globalOverride,
		)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning host record: %w", err)
		}
		snap.AmbientIdentityGood = ambientGood != 0
		snap.AmbientIdentityBad = ambientBad != 0
		snap.OverridesGlobalDisablement = globalOverride != 0

		targets := []*core.Override{
			&snap.DisableBadCredentialCache,
			&snap.DisableCredentialAutoReg,
			&snap.OverrideExplicitCredential,
			&snap.EnableCredentialFailover,
			&snap.DisableSessionPersistence,
		}
		for i, raw := range overrides {
			o, err := core.ParseOverride(raw)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("host %s: %w", snap.Host, err)
			}
			*targets[i] = o
		}

		s.loadSecrets(&snap, goodIdentity, badJSON)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range snaps {
		if err := s.loadProtocols(&snaps[i]); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

func (s *Store) loadSecrets(snap *core.RecordSnapshot, goodIdentity, badJSON string) {
	var badIdentities []string
	json.Unmarshal([]byte(badJSON), &badIdentities)

	if s.vault == nil {
		if goodIdentity != "" || len(badIdentities) > 0 {
			s.log.Warn().Str("host", snap.Host).Msg("no vault available, stored credentials not restored")
		}
		return
	}

	if goodIdentity != "" {
		c, err := s.vault.GetCredential(goodKey(snap.Host))
		if err != nil {
			s.log.Warn().Err(err).Str("host", snap.Host).Str("user", goodIdentity).Msg("good credential not restored")
		} else {
			snap.GoodCredential = c
		}
	}
	if len(badIdentities) > 0 {
		creds, err := s.vault.GetCredentials(badKey(snap.Host))
		if err != nil {
			s.log.Warn().Err(err).Str("host", snap.Host).Int("count", len(badIdentities)).Msg("bad credentials not restored")
		} else {
			snap.BadCredentials = creds
		}
	}
}

func (s *Store) loadProtocols(snap *core.RecordSnapshot) error {
	for _, p := range core.AllProtocols {
		snap.Protocols[p] = core.ProtocolStatus{Protocol: p}
	}

	rows, err := s.db.Query(`SELECT protocol, state, last_attempt FROM protocol_states WHERE host = ?`, snap.Host)
	if err != nil {
		return fmt.Errorf("querying protocol states for %s: %w", snap.Host, err)
	}
	defer rows.Close()

	for rows.Next() {
		var protoName, stateName, last string
		if err := rows.Scan(&protoName, &stateName, &last); err != nil {
			return fmt.Errorf("scanning protocol state: %w", err)
		}
		p, err := core.ParseProtocol(protoName)
		if err != nil {
			s.log.Warn().Str("host", snap.Host).Str("protocol", protoName).Msg("skipping unknown protocol")
			continue
		}
		st, err := core.ParseProtocolState(stateName)
		if err != nil {
			return fmt.Errorf("host %s: %w", snap.Host, err)
		}
		status := core.ProtocolStatus{Protocol: p, State: st}
		if last != "" {
			if t, err := time.Parse(time.RFC3339Nano, last); err == nil {
				status.LastAttempt = t
			}
		}
		snap.Protocols[p] = status
	}
	return rows.Err()
}

// RemoveHost deletes the stored record for host along with its secrets.
func (s *Store) RemoveHost(host string) error {
	host = connection.NormalizeHost(host)
	if err := s.deleteHost(s.db, host); err != nil {
		return err
	}
	return s.saveVault()
}

func (s *Store) deleteHost(tx execer, host string) error {
	if _, err := tx.Exec(`DELETE FROM host_records WHERE host = ?`, host); err != nil {
		return fmt.Errorf("deleting record %s: %w", host, err)
	}
	if s.vault != nil {
		s.vault.Delete(goodKey(host))
		s.vault.Delete(badKey(host))
	}
	return nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// Hosts lists the stored host keys.
func (s *Store) Hosts() ([]string, error) {
	return s.hosts(s.db)
}

func (s *Store) hosts(q querier) ([]string, error) {
	rows, err := q.Query(`SELECT host FROM host_records ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("listing stored hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
