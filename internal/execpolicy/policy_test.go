package execpolicy

import (
	"errors"
	"testing"
)

func TestMinSecurity(t *testing.T) {
	cases := []struct {
		a, b, want SecurityLevel
	}{
		{SecurityDeny, SecurityFull, SecurityDeny},
		{SecurityFull, SecurityDeny, SecurityDeny},
		{SecurityAllowlist, SecurityFull, SecurityAllowlist},
		{SecurityFull, SecurityFull, SecurityFull},
		{SecurityAllowlist, SecurityDeny, SecurityDeny},
	}
	for _, tc := range cases {
		if got := MinSecurity(tc.a, tc.b); got != tc.want {
			t.Errorf("MinSecurity(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMaxAsk(t *testing.T) {
	cases := []struct {
		a, b, want AskLevel
	}{
		{AskNever, AskAlways, AskAlways},
		{AskAlways, AskNever, AskAlways},
		{AskUnknown, AskNever, AskUnknown},
		{AskNever, AskNever, AskNever},
	}
	for _, tc := range cases {
		if got := MaxAsk(tc.a, tc.b); got != tc.want {
			t.Errorf("MaxAsk(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestResolveTightensOnly(t *testing.T) {
	agent := Policy{Security: SecurityAllowlist, Ask: AskUnknown, AskFallback: SecurityDeny}

	// A call cannot loosen security to full.
	eff := Resolve(agent, Overrides{Security: SecurityFull})
	if eff.Security != SecurityAllowlist {
		t.Errorf("expected allowlist, got %s", eff.Security)
	}

	// A call can tighten security to deny.
	eff = Resolve(agent, Overrides{Security: SecurityDeny})
	if eff.Security != SecurityDeny {
		t.Errorf("expected deny, got %s", eff.Security)
	}

	// A call can tighten ask to always but not loosen to never.
	eff = Resolve(agent, Overrides{Ask: AskAlways})
	if eff.Ask != AskAlways {
		t.Errorf("expected always, got %s", eff.Ask)
	}
	eff = Resolve(Policy{Security: SecurityFull, Ask: AskAlways, AskFallback: SecurityDeny}, Overrides{Ask: AskNever})
	if eff.Ask != AskAlways {
		t.Errorf("expected always, got %s", eff.Ask)
	}
}

func TestResolveFillsDefaults(t *testing.T) {
	eff := Resolve(Policy{}, Overrides{})
	want := DefaultPolicy()
	if eff != want {
		t.Errorf("expected defaults %+v, got %+v", want, eff)
	}
}

func TestResolveKeepsAgentAskFallback(t *testing.T) {
	agent := Policy{Security: SecurityFull, Ask: AskNever, AskFallback: SecurityFull}
	eff := Resolve(agent, Overrides{Security: SecurityAllowlist, Ask: AskAlways})
	if eff.AskFallback != SecurityFull {
		t.Errorf("ask_fallback should stay agent-level, got %s", eff.AskFallback)
	}
}

func TestRequiresAsk(t *testing.T) {
	cases := []struct {
		ask       AskLevel
		satisfied bool
		want      bool
	}{
		{AskAlways, true, true},
		{AskAlways, false, true},
		{AskUnknown, true, false},
		{AskUnknown, false, true},
		{AskNever, false, false},
	}
	for _, tc := range cases {
		p := Policy{Ask: tc.ask}
		if got := p.RequiresAsk(tc.satisfied); got != tc.want {
			t.Errorf("RequiresAsk(ask=%s, satisfied=%v) = %v, want %v", tc.ask, tc.satisfied, got, tc.want)
		}
	}
}

func TestCheckSecurityDeny(t *testing.T) {
	err := CheckSecurity("gateway-1", Policy{Security: SecurityDeny})
	if err == nil {
		t.Fatal("expected denial error")
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %T", err)
	}
	if denied.Host != "gateway-1" {
		t.Errorf("expected host in error, got %q", denied.Host)
	}

	if err := CheckSecurity("gateway-1", Policy{Security: SecurityFull}); err != nil {
		t.Errorf("expected nil for security=full, got %v", err)
	}
}
