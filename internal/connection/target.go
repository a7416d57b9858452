package connection

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidTarget is matched by every *TargetError.
var ErrInvalidTarget = errors.New("invalid connection target")

// TargetError reports malformed target input.
type TargetError struct {
	Input  string
	Reason string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidTarget, e.Input, e.Reason)
}

func (e *TargetError) Unwrap() error { return ErrInvalidTarget }

// maxInstanceNameLen is the longest named-instance identifier SQL Server accepts.
const maxInstanceNameLen = 16

// Target is a parsed SQL Server address. Port 0 means "not specified".
type Target struct {
	Host     string `json:"host"`
	Instance string `json:"instance,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Key returns the registry key of the target's host.
func (t Target) Key() string {
	return NormalizeHost(t.Host)
}

func (t Target) String() string {
	var b strings.Builder
	b.WriteString(t.Host)
	if t.Instance != "" {
		b.WriteByte('\\')
		b.WriteString(t.Instance)
	}
	if t.Port != 0 {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(t.Port))
	}
	return b.String()
}

// ParseTarget parses "host", "host\instance", "host,port", "host:port",
// "host\instance,port" and "[ipv6]:port". An MSSQLSvc/ SPN prefix is stripped.
func ParseTarget(input string) (Target, error) {
	s := strings.TrimSpace(input)
	if len(s) >= 9 && strings.EqualFold(s[:9], "MSSQLSvc/") {
		s = s[9:]
	}
	if s == "" {
		return Target{}, &TargetError{Input: input, Reason: "empty host"}
	}

	var t Target
	var portText string

	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return Target{}, &TargetError{Input: input, Reason: "unterminated IPv6 literal"}
		}
		t.Host = s[1:end]
		rest := s[end+1:]
		switch {
		case rest == "":
		case rest[0] == ':' || rest[0] == ',':
			portText = rest[1:]
			if portText == "" {
				return Target{}, &TargetError{Input: input, Reason: "missing port"}
			}
		default:
			return Target{}, &TargetError{Input: input, Reason: "unexpected text after IPv6 literal"}
		}
	} else {
		hostPart := s
		if i := strings.IndexAny(s, ","); i >= 0 {
			hostPart, portText = s[:i], s[i+1:]
			if portText == "" {
				return Target{}, &TargetError{Input: input, Reason: "missing port"}
			}
		} else if i := strings.LastIndex(s, ":"); i >= 0 && strings.Count(s, ":") == 1 {
			hostPart, portText = s[:i], s[i+1:]
			if portText == "" {
				return Target{}, &TargetError{Input: input, Reason: "missing port"}
			}
		}

		if i := strings.Index(hostPart, "\\"); i >= 0 {
			t.Host, t.Instance = hostPart[:i], hostPart[i+1:]
			if err := checkInstance(t.Instance); err != "" {
				return Target{}, &TargetError{Input: input, Reason: err}
			}
		} else {
			t.Host = hostPart
		}
	}

	t.Host = strings.TrimSpace(t.Host)
	if t.Host == "" {
		return Target{}, &TargetError{Input: input, Reason: "empty host"}
	}
	if strings.ContainsAny(t.Host, " \t/\\") {
		return Target{}, &TargetError{Input: input, Reason: "host contains invalid characters"}
	}

	if portText != "" {
		port, err := strconv.Atoi(strings.TrimSpace(portText))
		if err != nil {
			return Target{}, &TargetError{Input: input, Reason: "port is not a number"}
		}
		if port < 1 || port > 65535 {
			return Target{}, &TargetError{Input: input, Reason: fmt.Sprintf("port %d out of range 1-65535", port)}
		}
		t.Port = port
	}

	return t, nil
}

func checkInstance(name string) string {
	switch {
	case name == "":
		return "empty instance name"
	case len(name) > maxInstanceNameLen:
		return fmt.Sprintf("instance name longer than %d characters", maxInstanceNameLen)
	case strings.ContainsAny(name, " \t\\/:,"):
		return "instance name contains invalid characters"
	}
	return ""
}
