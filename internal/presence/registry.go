// Package presence tracks which users currently hold at least one live session.
//
// Presence is best effort: implementations never return backend errors. When the
// backing store is unreachable every read reports the user as offline and writes
// are dropped with a warning.
package presence

import "context"

type Registry interface {
	// SetOnline records connID as a live session of userID. It reports whether
	// the user had no other live session before this call.
	SetOnline(ctx context.Context, userID, connID string) bool

	// SetOffline removes connID from userID's sessions and reports whether the
	// user has no live session left. A connID that was never registered, or was
	// already removed, leaves sessions written by other connections untouched.
	SetOffline(ctx context.Context, userID, connID string) bool

	IsOnline(ctx context.Context, userID string) bool

	// ListOnline returns the ids of every user with a live session, sorted.
	ListOnline(ctx context.Context) []string
}
