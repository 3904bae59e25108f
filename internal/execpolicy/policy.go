// Package execpolicy resolves the effective security/ask policy for a host
// exec call from agent-level defaults and call-level overrides.
package execpolicy

import "fmt"

// SecurityLevel is the baseline execution gate for a host.
type SecurityLevel string

const (
	SecurityDeny      SecurityLevel = "deny"
	SecurityAllowlist SecurityLevel = "allowlist"
	SecurityFull      SecurityLevel = "full"
)

// AskLevel controls how eagerly interactive approval is required.
type AskLevel string

const (
	AskNever   AskLevel = "never"
	AskUnknown AskLevel = "unknown"
	AskAlways  AskLevel = "always"
)

var securityRank = map[SecurityLevel]int{
	SecurityDeny:      0,
	SecurityAllowlist: 1,
	SecurityFull:      2,
}

var askRank = map[AskLevel]int{
	AskNever:   0,
	AskUnknown: 1,
	AskAlways:  2,
}

// Valid reports whether the level is one of deny/allowlist/full.
func (s SecurityLevel) Valid() bool {
	_, ok := securityRank[s]
	return ok
}

// Valid reports whether the level is one of never/unknown/always.
func (a AskLevel) Valid() bool {
	_, ok := askRank[a]
	return ok
}

// MinSecurity returns the more restrictive of two security levels
// (deny < allowlist < full).
func MinSecurity(a, b SecurityLevel) SecurityLevel {
	if securityRank[a] <= securityRank[b] {
		return a
	}
	return b
}

// MaxAsk returns the stricter of two ask levels (never < unknown < always).
func MaxAsk(a, b AskLevel) AskLevel {
	if askRank[a] >= askRank[b] {
		return a
	}
	return b
}

// Policy is the exec policy for one agent (or one resolved call).
type Policy struct {
	Security    SecurityLevel `yaml:"security" json:"security"`
	Ask         AskLevel      `yaml:"ask" json:"ask"`
	AskFallback SecurityLevel `yaml:"ask_fallback" json:"askFallback"`
}

// DefaultPolicy is the policy used when an agent has no configuration.
func DefaultPolicy() Policy {
	return Policy{
		Security:    SecurityAllowlist,
		Ask:         AskUnknown,
		AskFallback: SecurityDeny,
	}
}

// Overrides carries call-supplied policy fields. Empty values mean "not set".
// Overrides can only tighten the agent policy, never loosen it.
type Overrides struct {
	Security SecurityLevel
	Ask      AskLevel
}

// Resolve combines agent defaults with call overrides. Security and ask take
// the more restrictive value; ask_fallback is agent-level only.
func Resolve(agent Policy, call Overrides) Policy {
	eff := agent
	if !eff.Security.Valid() {
		eff.Security = DefaultPolicy().Security
	}
	if !eff.Ask.Valid() {
		eff.Ask = DefaultPolicy().Ask
	}
	if !eff.AskFallback.Valid() {
		eff.AskFallback = DefaultPolicy().AskFallback
	}
	if call.Security.Valid() {
		eff.Security = MinSecurity(eff.Security, call.Security)
	}
	if call.Ask.Valid() {
		eff.Ask = MaxAsk(eff.Ask, call.Ask)
	}
	return eff
}

// RequiresAsk reports whether the policy demands interactive approval for a
// call whose allowlist evaluation produced the given result. ask=unknown asks
// only for commands the allowlist/safe-bin analysis could not vouch for.
func (p Policy) RequiresAsk(allowlistSatisfied bool) bool {
	switch p.Ask {
	case AskAlways:
		return true
	case AskUnknown:
		return !allowlistSatisfied
	default:
		return false
	}
}

// DeniedError is returned when security=deny short-circuits a call before any
// allowlist evaluation.
type DeniedError struct {
	Host     string
	Security SecurityLevel
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("exec denied on host %s (security=%s)", e.Host, e.Security)
}

// CheckSecurity fails fast when the effective security level is deny.
func CheckSecurity(host string, p Policy) error {
	if p.Security == SecurityDeny {
		return &DeniedError{Host: host, Security: p.Security}
	}
	return nil
}
