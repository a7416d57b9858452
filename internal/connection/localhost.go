package connection

import (
	"net"
	"os"
	"strings"
)

// IsLocalHost reports whether host names the machine this process runs on:
// ".", "localhost", "(local)", a loopback or local interface address, or the
// local computer name in short or fully qualified form.
func IsLocalHost(host string) bool {
	n := NormalizeHost(host)
	switch n {
	case "":
		return false
	case ".":
		return true
	}
	h := strings.TrimSuffix(n, ".")
	switch h {
	case "localhost", "(local)", "localhost.localdomain":
		return true
	}

	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
		if ip.IsLoopback() {
			return true
		}
		return isInterfaceAddr(ip)
	}

	name, err := os.Hostname()
	if err != nil || name == "" {
		return false
	}
	return matchesMachineName(h, strings.ToLower(name))
}

// matchesMachineName compares a host against the local computer name, accepting
// the short name, the FQDN, or a short host against an FQDN machine name.
func matchesMachineName(host, machine string) bool {
	if host == machine {
		return true
	}
	shortMachine, _, _ := strings.Cut(machine, ".")
	shortHost, _, hostQualified := strings.Cut(host, ".")
	if !hostQualified {
		return host == shortMachine
	}
	return shortHost == shortMachine && !strings.Contains(machine, ".")
}

func isInterfaceAddr(ip net.IP) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		var candidate net.IP
		switch v := a.(type) {
		case *net.IPNet:
			candidate = v.IP
		case *net.IPAddr:
			candidate = v.IP
		}
		if candidate != nil && candidate.Equal(ip) {
			return true
		}
	}
	return false
}
