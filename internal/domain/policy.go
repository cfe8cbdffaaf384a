package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Policy is the firewall outcome issued by the decision service.
type Policy int

const (
	// PolicyAllow lets the request through. It is the zero value, matching the
	// decision service's wire default.
	PolicyAllow Policy = iota
	// PolicyDeny rejects the request with an unauthorized response.
	PolicyDeny
)

func (p Policy) String() string {
	switch p {
	case PolicyAllow:
		return "allow"
	case PolicyDeny:
		return "deny"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts the textual representation used in configuration and on the wire.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "allow":
		return PolicyAllow, nil
	case "deny":
		return PolicyDeny, nil
	default:
		return PolicyAllow, fmt.Errorf("unknown policy %q", raw)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if p != PolicyAllow && p != PolicyDeny {
		return nil, fmt.Errorf("unknown policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// FirewallDefaults is the server-authoritative configuration applied on the
// request path. Values are immutable once published; updates replace the
// whole struct.
type FirewallDefaults struct {
	// Timeout bounds every remote decision call. Nil means wait indefinitely.
	Timeout      *time.Duration
	Policy       Policy
	CacheEnabled bool
}

// TimeoutMillis reports the configured timeout in milliseconds.
func (d FirewallDefaults) TimeoutMillis() (uint64, bool) {
	if d.Timeout == nil {
		return 0, false
	}
	return uint64(max(d.Timeout.Milliseconds(), 0)), true
}

// maxTimeoutMillis is the largest millisecond count a time.Duration holds.
const maxTimeoutMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// TimeoutFromMillis converts an optional millisecond timeout. Values beyond
// the range of time.Duration are clamped to the largest representable one.
func TimeoutFromMillis(ms *uint64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(min(*ms, maxTimeoutMillis)) * time.Millisecond
	return &d
}
