package connection

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbanative/dbanative/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func notLocal(string) bool { return false }

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []Option{WithClock(clock.Now), WithLocalHost(notLocal)}
	return NewRegistry(append(base, opts...)...), clock
}

func disableAllBut(rec *Record, keep ...core.Protocol) {
	for _, p := range core.AllProtocols {
		kept := false
		for _, k := range keep {
			if k == p {
				kept = true
			}
		}
		if !kept {
			rec.Disable(p)
		}
	}
}

func TestNextProtocolFreshRecord(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	p, err := rec.NextProtocol(nil, false)
	if err != nil {
		t.Fatalf("NextProtocol: %v", err)
	}
	if p != core.ProtocolCimOverWinRM {
		t.Errorf("expected %s on a fresh record, got %s", core.ProtocolCimOverWinRM, p)
	}
}

func TestNextProtocolFreshLocalRecord(t *testing.T) {
	reg, _ := newTestRegistry(t, WithLocalHost(func(h string) bool { return h == "localhost" }))
	rec := reg.GetOrCreate("LocalHost")

	p, err := rec.NextProtocol(nil, false)
	if err != nil {
		t.Fatalf("NextProtocol: %v", err)
	}
	if p != core.ProtocolCimOverDcom {
		t.Errorf("expected %s for the local machine, got %s", core.ProtocolCimOverDcom, p)
	}
	if st, _ := rec.State(core.ProtocolCimOverWinRM); st != core.StateDisabled {
		t.Errorf("expected WinRM pre-disabled locally, got %s", st)
	}
}

func TestNextProtocolSuccessBeatsEverything(t *testing.T) {
	reg, clock := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.ReportSuccess(core.ProtocolCimOverWinRM)
	rec.ReportFailure(core.ProtocolCimOverDcom)
	clock.Advance(20 * time.Minute)

	p, err := rec.NextProtocol(nil, false)
	if err != nil {
		t.Fatalf("NextProtocol: %v", err)
	}
	if p != core.ProtocolCimOverWinRM {
		t.Errorf("expected %s, got %s", core.ProtocolCimOverWinRM, p)
	}
}

func TestNextProtocolPriorityOrdering(t *testing.T) {
	reg, clock := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	// A=Wmi success, B=PSRemoting unknown, C=CimDCOM expired error, D=WinRM disabled.
	rec.ReportFailure(core.ProtocolCimOverDcom)
	clock.Advance(time.Hour)
	rec.ReportSuccess(core.ProtocolWmi)
	rec.Disable(core.ProtocolCimOverWinRM)

	got := rec.OrderedProtocols(nil, false)
	want := []core.Protocol{core.ProtocolWmi, core.ProtocolPowerShellRemoting, core.ProtocolCimOverDcom}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	p, err := rec.NextProtocol(nil, false)
	if err != nil || p != core.ProtocolWmi {
		t.Errorf("expected Wmi, got %s (err=%v)", p, err)
	}
}

func TestNextProtocolRetryTimeout(t *testing.T) {
	reg, clock := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	disableAllBut(rec, core.ProtocolWmi)
	rec.ReportFailure(core.ProtocolWmi)

	tests := []struct {
		name       string
		advance    time.Duration
		forceRetry bool
		wantErr    bool
	}{
		{"inside window", 5 * time.Minute, false, true},
		{"inside window forced", 0, true, false},
		{"at boundary", 10 * time.Minute, false, true},
		{"past boundary", time.Nanosecond, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			p, err := rec.NextProtocol(nil, tt.forceRetry)
			if tt.wantErr {
				if !IsNoProtocolsAvailable(err) {
					t.Fatalf("expected ErrNoProtocolsAvailable, got %v (protocol %s)", err, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("NextProtocol: %v", err)
			}
			if p != core.ProtocolWmi {
				t.Errorf("expected Wmi, got %s", p)
			}
		})
	}
}

func TestNextProtocolRetryExactBoundary(t *testing.T) {
	reg, clock := newTestRegistry(t)
	reg.UpdatePolicy(func(p *Policy) { p.BadConnectionTimeout = 3 * time.Minute })
	rec := reg.GetOrCreate("sql01")
	disableAllBut(rec, core.ProtocolCimOverDcom)
	rec.ReportFailure(core.ProtocolCimOverDcom)
	_, failedAt := rec.State(core.ProtocolCimOverDcom)

	clock.Advance(failedAt.Add(3 * time.Minute).Sub(clock.Now()))
	if _, err := rec.NextProtocol(nil, false); !IsNoProtocolsAvailable(err) {
		t.Fatalf("at failure time plus timeout the protocol must still wait, got %v", err)
	}
	clock.Advance(time.Nanosecond)
	if p, err := rec.NextProtocol(nil, false); err != nil || p != core.ProtocolCimOverDcom {
		t.Errorf("one tick past the timeout = %s, %v; want CimOverDcom", p, err)
	}
}

func TestNextProtocolAllDisabled(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	disableAllBut(rec)

	for _, force := range []bool{false, true} {
		_, err := rec.NextProtocol(nil, force)
		if err == nil {
			t.Fatalf("forceRetry=%v: expected error with every protocol disabled", force)
		}
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("expected *ProtocolError, got %T", err)
		}
		if pe.Host != "sql01" {
			t.Errorf("expected host sql01 in error, got %q", pe.Host)
		}
		if !errors.Is(err, ErrNoProtocolsAvailable) {
			t.Error("expected error to match ErrNoProtocolsAvailable")
		}
	}
}

func TestNextProtocolForceRetryIgnoresDisabled(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.ReportFailure(core.ProtocolWmi)
	rec.Disable(core.ProtocolWmi)
	disableAllBut(rec, core.ProtocolWmi)

	if _, err := rec.NextProtocol(nil, true); !IsNoProtocolsAvailable(err) {
		t.Errorf("forceRetry must not revive a disabled protocol, got %v", err)
	}
}

func TestNextProtocolExcluded(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	excluded := []core.Protocol{core.ProtocolCimOverWinRM, core.ProtocolCimOverDcom}
	p, err := rec.NextProtocol(excluded, false)
	if err != nil {
		t.Fatalf("NextProtocol: %v", err)
	}
	if p != core.ProtocolWmi {
		t.Errorf("expected Wmi after exclusions, got %s", p)
	}

	if _, err := rec.NextProtocol(core.AllProtocols[:], false); !IsNoProtocolsAvailable(err) {
		t.Errorf("expected error with every protocol excluded, got %v", err)
	}
}

func TestNextProtocolGlobalDisablement(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpdatePolicy(func(p *Policy) { p.DisableProtocol(core.ProtocolCimOverWinRM) })
	rec := reg.GetOrCreate("sql01")

	p, _ := rec.NextProtocol(nil, false)
	if p != core.ProtocolCimOverDcom {
		t.Errorf("expected globally disabled WinRM to be skipped, got %s", p)
	}

	rec.SetOverridesGlobalDisablement(true)
	p, _ = rec.NextProtocol(nil, false)
	if p != core.ProtocolCimOverWinRM {
		t.Errorf("expected override to restore WinRM, got %s", p)
	}

	if st, _ := rec.State(core.ProtocolCimOverWinRM); st != core.StateUnknown {
		t.Errorf("global disablement must not change record state, got %s", st)
	}
}

func TestReportSuccessIdempotent(t *testing.T) {
	reg, clock := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.ReportSuccess(core.ProtocolWmi)
	_, first := rec.State(core.ProtocolWmi)
	clock.Advance(time.Minute)
	rec.ReportSuccess(core.ProtocolWmi)
	st, second := rec.State(core.ProtocolWmi)

	if st != core.StateSuccess {
		t.Errorf("expected success, got %s", st)
	}
	if !second.After(first) {
		t.Errorf("expected timestamp to advance: %v -> %v", first, second)
	}
}

func TestReportOnDisabledProtocol(t *testing.T) {
	reg, clock := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.Disable(core.ProtocolWmi)

	rec.ReportSuccess(core.ProtocolWmi)
	st, at := rec.State(core.ProtocolWmi)
	if st != core.StateDisabled {
		t.Errorf("report must not re-enable a protocol, got %s", st)
	}
	if !at.Equal(clock.Now()) {
		t.Errorf("expected timestamp %v, got %v", clock.Now(), at)
	}

	rec.Enable(core.ProtocolWmi)
	st, at = rec.State(core.ProtocolWmi)
	if st != core.StateUnknown || !at.IsZero() {
		t.Errorf("expected enable to reset to unknown, got %s@%v", st, at)
	}
}

func TestEnableOnlyAffectsDisabled(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.ReportFailure(core.ProtocolWmi)
	rec.Enable(core.ProtocolWmi)
	if st, _ := rec.State(core.ProtocolWmi); st != core.StateError {
		t.Errorf("expected enable to leave error untouched, got %s", st)
	}
}

func TestReset(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.ReportSuccess(core.ProtocolCimOverWinRM)
	rec.ReportFailure(core.ProtocolCimOverDcom)
	rec.Disable(core.ProtocolWmi)

	rec.Reset()

	want := map[core.Protocol]core.ProtocolState{
		core.ProtocolCimOverWinRM:       core.StateUnknown,
		core.ProtocolCimOverDcom:        core.StateUnknown,
		core.ProtocolWmi:                core.StateDisabled,
		core.ProtocolPowerShellRemoting: core.StateUnknown,
	}
	for p, w := range want {
		if st, _ := rec.State(p); st != w {
			t.Errorf("%s: expected %s, got %s", p, w, st)
		}
	}
}

func TestRecordsAreIndependent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := reg.GetOrCreate("sql01")
	b := reg.GetOrCreate("sql02")

	a.ReportFailure(core.ProtocolCimOverWinRM)
	a.AddBadCredential(nil)

	if st, _ := b.State(core.ProtocolCimOverWinRM); st != core.StateUnknown {
		t.Errorf("failure on sql01 leaked to sql02: %s", st)
	}
	if b.IsBadCredential(nil) {
		t.Error("bad ambient identity on sql01 leaked to sql02")
	}
}

// --- Credentials ---

var (
	credAlice = &core.Credential{UserName: `CONTOSO\alice`, Secret: "p@ss1"}
	credBob   = &core.Credential{UserName: `CONTOSO\bob`, Secret: "hunter2"}
)

func TestBadCredentialRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.AddBadCredential(credAlice)
	if !rec.IsBadCredential(credAlice) {
		t.Fatal("expected credential to be bad after AddBadCredential")
	}

	upper := &core.Credential{UserName: `contoso\ALICE`, Secret: "p@ss1"}
	if !rec.IsBadCredential(upper) {
		t.Error("expected user name comparison to be case-insensitive")
	}

	otherSecret := &core.Credential{UserName: `CONTOSO\alice`, Secret: "new"}
	if rec.IsBadCredential(otherSecret) {
		t.Error("a different secret must not match a bad entry")
	}

	rec.AddBadCredential(upper)
	if n := len(rec.BadCredentials()); n != 1 {
		t.Errorf("expected duplicates to collapse, got %d entries", n)
	}

	rec.RemoveBadCredential(credAlice)
	if rec.IsBadCredential(credAlice) {
		t.Error("expected credential to be forgotten after RemoveBadCredential")
	}
}

func TestAddBadCredentialClearsMatchingGood(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.AddGoodCredential(credAlice)
	rec.AddBadCredential(credBob)
	if rec.GoodIdentity() != credAlice.UserName {
		t.Error("unrelated bad credential must not clear the good one")
	}
	rec.AddBadCredential(credAlice)
	if rec.GoodIdentity() != "" {
		t.Errorf("expected good credential cleared, got %q", rec.GoodIdentity())
	}
}

func TestAmbientIdentityAsymmetry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.AddBadCredential(nil)
	if good, bad := rec.AmbientIdentity(); good || !bad {
		t.Fatalf("expected ambient bad only, got good=%v bad=%v", good, bad)
	}

	// A success report for the ambient identity does not lift the bad marking.
	rec.AddGoodCredential(nil)
	if good, bad := rec.AmbientIdentity(); !good || !bad {
		t.Errorf("expected both ambient flags set, got good=%v bad=%v", good, bad)
	}

	rec.AddBadCredential(nil)
	if good, _ := rec.AmbientIdentity(); good {
		t.Error("expected bad report to clear ambient good")
	}
}

func TestAddGoodCredentialReplacesCurrent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.AddGoodCredential(nil)
	rec.AddGoodCredential(credAlice)
	if rec.GoodIdentity() != credAlice.UserName {
		t.Errorf("expected alice cached, got %q", rec.GoodIdentity())
	}
	if good, _ := rec.AmbientIdentity(); !good {
		t.Error("explicit good credential must leave the ambient marking alone")
	}

	rec.AddGoodCredential(nil)
	if rec.GoodIdentity() != "" {
		t.Error("ambient good report should clear the cached explicit credential")
	}
}

func TestCredentialCacheSwitches(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	rec.SetOverride(FlagDisableBadCredentialCache, core.ForceTrue)
	rec.AddBadCredential(credAlice)
	if rec.IsBadCredential(credAlice) {
		t.Error("bad credential recorded with the cache disabled")
	}

	rec.SetOverride(FlagDisableCredentialAutoRegister, core.ForceTrue)
	rec.AddGoodCredential(credBob)
	if rec.GoodIdentity() != "" {
		t.Error("good credential registered with auto-registration disabled")
	}

	reg.UpdatePolicy(func(p *Policy) { p.DisableBadCredentialCache = true })
	rec.SetOverride(FlagDisableBadCredentialCache, core.ForceFalse)
	rec.AddBadCredential(credAlice)
	if !rec.IsBadCredential(credAlice) {
		t.Error("ForceFalse override should beat the global default")
	}
}

func TestCredentialResolution(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*Registry, *Record)
		explicit   *core.Credential
		want       *core.Credential
		wantPolicy bool
	}{
		{
			name:     "fresh explicit passes through",
			setup:    func(*Registry, *Record) {},
			explicit: credAlice,
			want:     credAlice,
		},
		{
			name:     "fresh ambient passes through",
			setup:    func(*Registry, *Record) {},
			explicit: nil,
			want:     nil,
		},
		{
			name: "override explicit returns cached good",
			setup: func(_ *Registry, r *Record) {
				r.AddGoodCredential(credBob)
				r.SetOverride(FlagOverrideExplicitCredential, core.ForceTrue)
			},
			explicit: credAlice,
			want:     credBob,
		},
		{
			name: "override explicit returns ambient when ambient is good",
			setup: func(_ *Registry, r *Record) {
				r.AddGoodCredential(nil)
				r.SetOverride(FlagOverrideExplicitCredential, core.ForceTrue)
			},
			explicit: credAlice,
			want:     nil,
		},
		{
			name: "override explicit without cache falls through",
			setup: func(g *Registry, _ *Record) {
				g.UpdatePolicy(func(p *Policy) { p.OverrideExplicitCredential = true })
			},
			explicit: credAlice,
			want:     credAlice,
		},
		{
			name: "bad ambient without failover",
			setup: func(_ *Registry, r *Record) {
				r.AddBadCredential(nil)
			},
			explicit:   nil,
			wantPolicy: true,
		},
		{
			name: "bad ambient with failover and good credential",
			setup: func(_ *Registry, r *Record) {
				r.AddGoodCredential(credBob)
				r.AddBadCredential(nil)
				r.SetOverride(FlagEnableCredentialFailover, core.ForceTrue)
			},
			explicit: nil,
			want:     credBob,
		},
		{
			name: "bad ambient with failover but nothing cached",
			setup: func(g *Registry, r *Record) {
				r.AddBadCredential(nil)
				g.UpdatePolicy(func(p *Policy) { p.EnableCredentialFailover = true })
			},
			explicit:   nil,
			wantPolicy: true,
		},
		{
			name: "known bad explicit without failover",
			setup: func(_ *Registry, r *Record) {
				r.AddGoodCredential(credBob)
				r.AddBadCredential(credAlice)
			},
			explicit:   credAlice,
			wantPolicy: true,
		},
		{
			name: "known bad explicit with failover",
			setup: func(_ *Registry, r *Record) {
				r.AddGoodCredential(credBob)
				r.AddBadCredential(credAlice)
				r.SetOverride(FlagEnableCredentialFailover, core.ForceTrue)
			},
			explicit: credAlice,
			want:     credBob,
		},
		{
			name: "known bad explicit with failover but no good",
			setup: func(_ *Registry, r *Record) {
				r.AddBadCredential(credAlice)
				r.SetOverride(FlagEnableCredentialFailover, core.ForceTrue)
			},
			explicit:   credAlice,
			wantPolicy: true,
		},
		{
			name: "known bad explicit ignored when cache disabled",
			setup: func(g *Registry, r *Record) {
				r.AddBadCredential(credAlice)
				g.UpdatePolicy(func(p *Policy) { p.DisableBadCredentialCache = true })
			},
			explicit: credAlice,
			want:     credAlice,
		},
		{
			name: "override explicit beats bad ambient",
			setup: func(_ *Registry, r *Record) {
				r.AddGoodCredential(credBob)
				r.AddBadCredential(nil)
				r.SetOverride(FlagOverrideExplicitCredential, core.ForceTrue)
			},
			explicit: nil,
			want:     credBob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			rec := reg.GetOrCreate("sql01")
			tt.setup(reg, rec)

			got, err := rec.Credential(tt.explicit)
			if tt.wantPolicy {
				if !IsAuthPolicyViolation(err) {
					t.Fatalf("expected auth policy violation, got cred=%v err=%v", got.Identity(), err)
				}
				var ape *AuthPolicyError
				if !errors.As(err, &ape) || ape.Host != "sql01" {
					t.Errorf("expected *AuthPolicyError for sql01, got %#v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Credential: %v", err)
			}
			if !got.Matches(tt.want) {
				t.Errorf("expected %s, got %s", tt.want.Identity(), got.Identity())
			}
		})
	}
}

func TestCredentialReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.AddGoodCredential(credBob)
	rec.SetOverride(FlagOverrideExplicitCredential, core.ForceTrue)

	got, _ := rec.Credential(nil)
	got.Secret = "mutated"

	again, _ := rec.Credential(nil)
	if again.Secret != credBob.Secret {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestAuthPolicyErrorOmitsSecret(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.AddBadCredential(credAlice)

	_, err := rec.Credential(credAlice)
	if err == nil {
		t.Fatal("expected error")
	}
	if msg := err.Error(); strings.Contains(msg, credAlice.Secret) {
		t.Errorf("error message leaks secret: %s", msg)
	}
}

// --- Snapshots ---

func TestSnapshotRestore(t *testing.T) {
	reg, clock := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")
	rec.ReportSuccess(core.ProtocolWmi)
	rec.ReportFailure(core.ProtocolCimOverWinRM)
	rec.Disable(core.ProtocolPowerShellRemoting)
	rec.AddGoodCredential(credBob)
	rec.AddBadCredential(credAlice)
	rec.AddBadCredential(nil)
	rec.SetOverride(FlagEnableCredentialFailover, core.ForceTrue)
	rec.SetOverridesGlobalDisablement(true)

	snap := rec.Snapshot()

	other, _ := newTestRegistry(t)
	restored := other.Restore(snap)

	if st, at := restored.State(core.ProtocolCimOverWinRM); st != core.StateError || !at.Equal(clock.Now()) {
		t.Errorf("WinRM: got %s@%v", st, at)
	}
	if st, _ := restored.State(core.ProtocolPowerShellRemoting); st != core.StateDisabled {
		t.Errorf("PSRemoting: got %s", st)
	}
	if restored.GoodIdentity() != credBob.UserName {
		t.Errorf("good credential: got %q", restored.GoodIdentity())
	}
	if !restored.IsBadCredential(credAlice) || !restored.IsBadCredential(nil) {
		t.Error("bad credentials not restored")
	}
	if restored.Override(FlagEnableCredentialFailover) != core.ForceTrue {
		t.Error("override not restored")
	}
	if !restored.OverridesGlobalDisablement() {
		t.Error("global disablement override not restored")
	}

	snap.BadCredentials[0].Secret = "changed"
	if !rec.IsBadCredential(credAlice) {
		t.Error("snapshot shares memory with the record")
	}
}

func TestConcurrentReports(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec := reg.GetOrCreate("sql01")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := core.AllProtocols[i%core.ProtocolCount]
			if i%2 == 0 {
				rec.ReportSuccess(p)
			} else {
				rec.ReportFailure(p)
			}
			rec.NextProtocol(nil, false)
			rec.AddBadCredential(&core.Credential{UserName: "u", Secret: "s"})
			rec.Credential(nil)
		}(i)
	}
	wg.Wait()

	if n := len(rec.BadCredentials()); n != 1 {
		t.Errorf("expected one bad credential, got %d", n)
	}
}
