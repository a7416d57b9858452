package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProtocolsAvailable is returned when every protocol is blocked or
	// still inside its retry timeout.
	ErrNoProtocolsAvailable = errors.New("no management protocols available")

	// ErrAuthenticationPolicy is returned when the credential cache forbids
	// attempting a connection with the requested identity.
	ErrAuthenticationPolicy = errors.New("authentication policy violation")
)

// ProtocolError reports that no protocol could be selected for a host.
type ProtocolError struct {
	Host   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", ErrNoProtocolsAvailable, e.Host, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrNoProtocolsAvailable }

// AuthPolicyError reports that the credential cache knows the requested
// identity will not authenticate against a host.
type AuthPolicyError struct {
	Host     string
	Identity string
	Reason   string
}

func (e *AuthPolicyError) Error() string {
	return fmt.Sprintf("%s [%s as %s]: %s", ErrAuthenticationPolicy, e.Host, e.Identity, e.Reason)
}

func (e *AuthPolicyError) Unwrap() error { return ErrAuthenticationPolicy }

// IsNoProtocolsAvailable checks if an error came from protocol selection.
func IsNoProtocolsAvailable(err error) bool {
	return errors.Is(err, ErrNoProtocolsAvailable)
}

// IsAuthPolicyViolation checks if an error came from credential resolution.
func IsAuthPolicyViolation(err error) bool {
	return errors.Is(err, ErrAuthenticationPolicy)
}
