// Package identity manages named credential profiles. Profile metadata lives in
// the state database; the secret lives in the vault under profile:<uuid>.
package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbanative/dbanative/internal/audit"
	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/validation"
	"github.com/dbanative/dbanative/internal/vault"
)

var (
	// ErrProfileNotFound is returned when no profile matches a UUID or name.
	ErrProfileNotFound = errors.New("credential profile not found")

	// ErrProfileExists is returned by Add when the name is taken.
	ErrProfileExists = errors.New("credential profile already exists")
)

// IsNotFound checks if an error reports a missing profile.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}

// Profile is a stored credential's public metadata.
type Profile struct {
	UUID        string     `json:"uuid"`
	Name        string     `json:"name"`
	UserName    string     `json:"user_name"`
	Description string     `json:"description,omitempty"`
	VaultKeyRef string     `json:"vault_key_ref"`
	Hosts       []string   `json:"hosts,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	IsArchived  bool       `json:"is_archived"`
}

// AppliesTo reports whether the profile is usable for host. A profile with no
// pinned hosts applies everywhere.
func (p Profile) AppliesTo(host string) bool {
	return len(p.Hosts) == 0 || slices.Contains(p.Hosts, connection.NormalizeHost(host))
}

// ProfileInput holds parameters for storing a new profile.
type ProfileInput struct {
	Name        string   `json:"name" validate:"required,max=64,profilename"`
	UserName    string   `json:"user_name" validate:"required,max=256"`
	Secret      string   `json:"secret" validate:"required"`
	Description string   `json:"description,omitempty" validate:"max=512"`
	Hosts       []string `json:"hosts,omitempty" validate:"dive,required"`
}

// Manager stores and resolves credential profiles.
type Manager struct {
	db    *sql.DB
	vault *vault.Vault
	audit *audit.Logger
}

// NewManager creates a profile manager. al may be nil.
func NewManager(db *sql.DB, v *vault.Vault, al *audit.Logger) *Manager {
	return &Manager{db: db, vault: v, audit: al}
}

func (m *Manager) log(event audit.EventType, detail map[string]string) {
	if m.audit != nil {
		m.audit.Log(event, "", detail)
	}
}

// Add validates input, stores the secret in the vault and records the profile.
func (m *Manager) Add(input ProfileInput) (*Profile, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}

	if _, err := m.Get(input.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileExists, input.Name)
	} else if !IsNotFound(err) {
		return nil, err
	}

	hosts := make([]string, 0, len(input.Hosts))
	for _, h := range input.Hosts {
		h = connection.NormalizeHost(h)
		if !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}

	profileUUID := uuid.New().String()
	vaultKey := "profile:" + profileUUID
	cred := &core.Credential{UserName: input.UserName, Secret: input.Secret}
	if err := m.vault.PutCredential(vaultKey, cred); err != nil {
		return nil, fmt.Errorf("storing credential in vault: %w", err)
	}

	now := time.Now().UTC()
	p := &Profile{
		UUID:        profileUUID,
		Name:        input.Name,
		UserName:    input.UserName,
		Description: input.Description,
		VaultKeyRef: vaultKey,
		Hosts:       hosts,
		CreatedAt:   now,
	}

	hostsJSON, _ := json.Marshal(hosts)
	_, err := m.db.Exec(
		`INSERT INTO credential_profiles (uuid, name, user_name, description, vault_key_ref, hosts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UUID, p.Name, p.UserName, p.Description, p.VaultKeyRef, string(hostsJSON), now.Format(time.RFC3339),
	)
	if err != nil {
		m.vault.Delete(vaultKey)
		return nil, fmt.Errorf("inserting credential profile: %w", err)
	}

	if err := m.vault.Save(); err != nil {
		return nil, fmt.Errorf("saving vault: %w", err)
	}

	m.log(audit.EventProfileAdded, map[string]string{
		"profile_uuid": p.UUID,
		"name":         p.Name,
		"user_name":    p.UserName,
	})
	return p, nil
}

const profileColumns = `uuid, name, user_name, description, vault_key_ref, hosts, created_at, last_used_at, is_archived`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*Profile, error) {
	var p Profile
	var hostsJSON, createdAt, lastUsed string
	var isArchived int
	if err := row.Scan(
		&p.UUID, &p.Name, &p.UserName, &p.Description, &p.VaultKeyRef,
		&hostsJSON, &createdAt, &lastUsed, &isArchived,
	); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastUsed != "" {
		if t, err := time.Parse(time.RFC3339, lastUsed); err == nil {
			p.LastUsedAt = &t
		}
	}
	json.Unmarshal([]byte(hostsJSON), &p.Hosts)
	p.IsArchived = isArchived != 0
	return &p, nil
}

// List returns all non-archived profiles ordered by name.
func (m *Manager) List() ([]Profile, error) {
	rows, err := m.db.Query(
		`SELECT ` + profileColumns + ` FROM credential_profiles WHERE is_archived = 0 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying credential profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// ForHost returns the non-archived profiles usable for host: those pinned to it
// first, then unpinned ones, each group ordered by name.
func (m *Manager) ForHost(host string) ([]Profile, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var pinned, general []Profile
	for _, p := range all {
		switch {
		case len(p.Hosts) == 0:
			general = append(general, p)
		case p.AppliesTo(host):
			pinned = append(pinned, p)
		}
	}
	return append(pinned, general...), nil
}

// Get returns a profile by UUID or name, archived or not.
func (m *Manager) Get(uuidOrName string) (*Profile, error) {
	p, err := scanProfile(m.db.QueryRow(
		`SELECT `+profileColumns+` FROM credential_profiles WHERE uuid = ? OR name = ? LIMIT 1`,
		uuidOrName, uuidOrName,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, uuidOrName)
		}
		return nil, fmt.Errorf("querying credential profile: %w", err)
	}
	return p, nil
}

// Credential loads the secret for a profile and stamps its last use.
func (m *Manager) Credential(uuidOrName string) (*core.Credential, error) {
	p, err := m.Get(uuidOrName)
	if err != nil {
		return nil, err
	}
	if p.IsArchived {
		return nil, fmt.Errorf("credential profile %s is archived", p.Name)
	}
	cred, err := m.vault.GetCredential(p.VaultKeyRef)
	if err != nil {
		return nil, fmt.Errorf("loading credential for profile %s: %w", p.Name, err)
	}
	m.db.Exec(
		"UPDATE credential_profiles SET last_used_at = ? WHERE uuid = ?",
		time.Now().UTC().Format(time.RFC3339), p.UUID,
	)
	return cred, nil
}

// Archive soft-deletes a profile. The secret stays in the vault.
func (m *Manager) Archive(uuidOrName string) error {
	result, err := m.db.Exec(
		"UPDATE credential_profiles SET is_archived = 1 WHERE uuid = ? OR name = ?",
		uuidOrName, uuidOrName,
	)
	if err != nil {
		return fmt.Errorf("archiving credential profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, uuidOrName)
	}
	return nil
}

// Remove deletes a profile and its vault secret.
func (m *Manager) Remove(uuidOrName string) error {
	p, err := m.Get(uuidOrName)
	if err != nil {
		return err
	}
	if _, err := m.db.Exec("DELETE FROM credential_profiles WHERE uuid = ?", p.UUID); err != nil {
		return fmt.Errorf("deleting credential profile: %w", err)
	}
	if err := m.vault.Delete(p.VaultKeyRef); err != nil && !vault.IsNotFound(err) {
		return err
	}
	if err := m.vault.Save(); err != nil {
		return fmt.Errorf("saving vault: %w", err)
	}

	m.log(audit.EventProfileRemoved, map[string]string{
		"profile_uuid": p.UUID,
		"name":         p.Name,
	})
	return nil
}

// PinHost adds host to the profile's pinned hosts.
func (m *Manager) PinHost(uuidOrName, host string) error {
	p, err := m.Get(uuidOrName)
	if err != nil {
		return err
	}
	host = connection.NormalizeHost(host)
	if host == "" {
		return fmt.Errorf("pinning profile %s: empty host", p.Name)
	}
	if slices.Contains(p.Hosts, host) {
		return nil
	}
	hostsJSON, _ := json.Marshal(append(p.Hosts, host))
	if _, err := m.db.Exec("UPDATE credential_profiles SET hosts = ? WHERE uuid = ?", string(hostsJSON), p.UUID); err != nil {
		return fmt.Errorf("pinning profile %s to %s: %w", p.Name, host, err)
	}
	return nil
}

// String renders a one-line summary.
func (p Profile) String() string {
	scope := "all hosts"
	if len(p.Hosts) > 0 {
		scope = strings.Join(p.Hosts, ",")
	}
	return fmt.Sprintf("%s (%s) [%s]", p.Name, p.UserName, scope)
}
