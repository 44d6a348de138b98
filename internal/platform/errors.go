package platform

import "errors"

// ErrRateLimited means the platform throttled the call.
var ErrRateLimited = errors.New("platform rate limited")

// ErrUnauthorized means the credentials or session behind the handle were rejected.
var ErrUnauthorized = errors.New("platform unauthorized")

// ErrNotFound means the requested entity does not exist on the platform.
var ErrNotFound = errors.New("platform entity not found")

// ErrTransport means the call failed before the platform produced an answer.
var ErrTransport = errors.New("platform transport error")

// IsTransient reports whether err is a rate-limit-class or transport-class
// failure worth skipping for one polling tick instead of failing the account.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport)
}
