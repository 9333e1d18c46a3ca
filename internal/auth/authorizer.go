package auth

import "github.com/adred-codev/courier/internal/channel"

// OwnershipFunc decides whether userID owns the resource behind a scoped
// channel (strategy.{id}, forge.job.{id}, backtest.{id}). The default
// policy assumes ownership; a stricter deployment plugs in a function
// that consults its ownership source.
type OwnershipFunc func(userID string, name channel.Name) bool

// Authorizer decides whether a verified subject may subscribe to a
// channel. Pure function of (user, channel name); no side effects.
type Authorizer struct {
	ownership OwnershipFunc
}

// NewAuthorizer creates an authorizer. ownership may be nil, in which
// case scoped channels are allowed for any authenticated subject.
func NewAuthorizer(ownership OwnershipFunc) *Authorizer {
	if ownership == nil {
		ownership = func(string, channel.Name) bool { return true }
	}
	return &Authorizer{ownership: ownership}
}

// Allow reports whether userID may subscribe to name.
//
//	global          -> any authenticated subject
//	user.{id}       -> only when {id} == userID
//	strategy.{id}, forge.job.{id}, backtest.{id} -> ownership hook
//	anything else   -> deny
func (a *Authorizer) Allow(userID string, name channel.Name) bool {
	switch {
	case name.IsGlobal():
		return true
	case name.IsUserScoped():
		return name.UserID() == userID
	case name.IsScoped():
		return a.ownership(userID, name)
	default:
		return false
	}
}
