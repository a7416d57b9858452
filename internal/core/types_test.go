package core

import (
	"encoding/json"
	"testing"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want Protocol
	}{
		{"CimRM", ProtocolCimOverWinRM},
		{"winrm", ProtocolCimOverWinRM},
		{"CimDCOM", ProtocolCimOverDcom},
		{" dcom ", ProtocolCimOverDcom},
		{"WMI", ProtocolWmi},
		{"PowerShellRemoting", ProtocolPowerShellRemoting},
		{"psremoting", ProtocolPowerShellRemoting},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocol(tt.in)
			if err != nil {
				t.Fatalf("ParseProtocol(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseProtocol(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseProtocol("ssh"); err == nil {
		t.Error("expected unknown protocol to fail")
	}
}

func TestProtocolStringRoundTrip(t *testing.T) {
	for _, p := range AllProtocols {
		back, err := ParseProtocol(p.String())
		if err != nil || back != p {
			t.Errorf("%s did not round trip: %v, %v", p, back, err)
		}
	}
	if Protocol(9).Valid() {
		t.Error("Protocol(9) should be invalid")
	}
	if _, err := Protocol(9).MarshalText(); err == nil {
		t.Error("expected invalid protocol to refuse marshaling")
	}
}

func TestOverrideResolve(t *testing.T) {
	tests := []struct {
		o      Override
		global bool
		want   bool
	}{
		{Inherit, true, true},
		{Inherit, false, false},
		{ForceTrue, false, true},
		{ForceFalse, true, false},
	}
	for _, tt := range tests {
		if got := tt.o.Resolve(tt.global); got != tt.want {
			t.Errorf("%s.Resolve(%v) = %v, want %v", tt.o, tt.global, got, tt.want)
		}
	}

	for _, s := range []string{"inherit", "true", "false", "on", "0", ""} {
		if _, err := ParseOverride(s); err != nil {
			t.Errorf("ParseOverride(%q): %v", s, err)
		}
	}
	if _, err := ParseOverride("maybe"); err == nil {
		t.Error("expected invalid override to fail")
	}
}

func TestCredentialMatches(t *testing.T) {
	a := &Credential{UserName: `CONTOSO\sa`, Secret: "x"}
	tests := []struct {
		name  string
		other *Credential
		want  bool
	}{
		{"same", &Credential{UserName: `CONTOSO\sa`, Secret: "x"}, true},
		{"user case differs", &Credential{UserName: `contoso\SA`, Secret: "x"}, true},
		{"secret differs", &Credential{UserName: `CONTOSO\sa`, Secret: "X"}, false},
		{"user differs", &Credential{UserName: "sa", Secret: "x"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Matches(tt.other); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}

	var none *Credential
	if !none.Matches(nil) {
		t.Error("nil should match nil")
	}
	if none.Identity() != "(ambient)" || none.Clone() != nil {
		t.Error("nil credential helpers misbehave")
	}
}

func TestSnapshotJSONUsesNames(t *testing.T) {
	var snap RecordSnapshot
	snap.Host = "sql01"
	for _, p := range AllProtocols {
		snap.Protocols[p] = ProtocolStatus{Protocol: p}
	}
	snap.Protocols[ProtocolWmi].State = StateDisabled
	snap.EnableCredentialFailover = ForceTrue

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back RecordSnapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Protocols[ProtocolWmi].State != StateDisabled || back.EnableCredentialFailover != ForceTrue {
		t.Errorf("round trip lost fields: %+v", back)
	}
}
