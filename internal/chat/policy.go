package chat

import "fmt"

// Kind classifies an outbound event for fan-out purposes.
type Kind int

const (
	KindPresence Kind = iota
	KindMessage
	KindUnread
	KindTyping
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRoom   Scope = "room"
)

// Target is where a single event goes.
type Target struct {
	Scope Scope
	Room  string
}

// FanoutPolicy decides the audience of each event kind. Presence is always
// global and typing is always room scoped; message and unread updates depend
// on the policy.
type FanoutPolicy interface {
	Name() string
	Target(kind Kind, conversationID string) Target
}

// RoomScoped delivers conversation events only to sessions that joined the
// conversation's room.
type RoomScoped struct{}

func (RoomScoped) Name() string { return "room" }

func (RoomScoped) Target(kind Kind, conversationID string) Target {
	if kind == KindPresence {
		return Target{Scope: ScopeGlobal}
	}
	return Target{Scope: ScopeRoom, Room: conversationID}
}

// Global delivers message and unread updates to every session and leaves
// filtering to the client.
type Global struct{}

func (Global) Name() string { return "global" }

func (Global) Target(kind Kind, conversationID string) Target {
	if kind == KindTyping {
		return Target{Scope: ScopeRoom, Room: conversationID}
	}
	return Target{Scope: ScopeGlobal}
}

func NewFanoutPolicy(name string) (FanoutPolicy, error) {
	switch name {
	case "", "room":
		return RoomScoped{}, nil
	case "global":
		return Global{}, nil
	default:
		return nil, fmt.Errorf("unknown fan-out policy %q", name)
	}
}
