package channel

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxNameLength bounds channel names (registry map keys, log fields).
const MaxNameLength = 100

// ErrBadName is returned for names outside the channel grammar.
var ErrBadName = errors.New("invalid channel name")

// Channel name grammar:
//
//	global              - system-wide broadcasts
//	user.{id}           - per-user private events
//	strategy.{id}       - per-strategy event streams
//	forge.job.{id}      - per-job ephemeral workflow streams
//	backtest.{id}       - per-backtest ephemeral progress streams
//	anything else built from [a-z0-9._-] parses but is denied at
//	subscribe time by the authorizer (publish may still target it).
var (
	namePattern     = regexp.MustCompile(`^[a-z0-9._-]+$`)
	userPattern     = regexp.MustCompile(`^user\.([a-z0-9_-]+)$`)
	strategyPattern = regexp.MustCompile(`^strategy\.([a-z0-9_-]+)$`)
	forgeJobPattern = regexp.MustCompile(`^forge\.job\.([a-z0-9_-]+)$`)
	backtestPattern = regexp.MustCompile(`^backtest\.([a-z0-9_-]+)$`)
)

// Name is a validated channel name. The zero value is invalid; construct
// via ParseName.
type Name struct {
	value string
}

// ParseName validates raw against the channel grammar.
func ParseName(raw string) (Name, error) {
	if raw == "" {
		return Name{}, fmt.Errorf("%w: empty", ErrBadName)
	}
	if len(raw) > MaxNameLength {
		return Name{}, fmt.Errorf("%w: %d chars exceeds max %d", ErrBadName, len(raw), MaxNameLength)
	}
	if !namePattern.MatchString(raw) {
		return Name{}, fmt.Errorf("%w: %q contains disallowed characters", ErrBadName, raw)
	}
	return Name{value: raw}, nil
}

// String returns the raw channel name.
func (n Name) String() string { return n.value }

// IsZero reports whether n was never parsed.
func (n Name) IsZero() bool { return n.value == "" }

// IsGlobal reports whether n is the global broadcast channel.
func (n Name) IsGlobal() bool { return n.value == "global" }

// IsUserScoped reports whether n is a user.{id} channel.
func (n Name) IsUserScoped() bool { return userPattern.MatchString(n.value) }

// UserID returns the {id} of a user.{id} channel, or "" for other names.
func (n Name) UserID() string {
	m := userPattern.FindStringSubmatch(n.value)
	if m == nil {
		return ""
	}
	return m[1]
}

// IsStrategyScoped reports whether n is a strategy.{id} channel.
func (n Name) IsStrategyScoped() bool { return strategyPattern.MatchString(n.value) }

// IsForgeJobScoped reports whether n is a forge.job.{id} channel.
func (n Name) IsForgeJobScoped() bool { return forgeJobPattern.MatchString(n.value) }

// IsBacktestScoped reports whether n is a backtest.{id} channel.
func (n Name) IsBacktestScoped() bool { return backtestPattern.MatchString(n.value) }

// IsScoped reports whether n carries a resource id whose ownership a
// stricter policy could check (strategy, forge job, backtest).
func (n Name) IsScoped() bool {
	return n.IsStrategyScoped() || n.IsForgeJobScoped() || n.IsBacktestScoped()
}

// IsRecognized reports whether n matches one of the named grammar
// productions. Unrecognized names still parse (publishers may create
// ad-hoc ephemeral channels) but subscribers are denied.
func (n Name) IsRecognized() bool {
	return n.IsGlobal() || n.IsUserScoped() || n.IsScoped()
}
