package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFanoutPolicies(t *testing.T) {
	room := Target{Scope: ScopeRoom, Room: "c1"}
	global := Target{Scope: ScopeGlobal}

	cases := []struct {
		policy FanoutPolicy
		kind   Kind
		want   Target
	}{
		{RoomScoped{}, KindPresence, global},
		{RoomScoped{}, KindMessage, room},
		{RoomScoped{}, KindUnread, room},
		{RoomScoped{}, KindTyping, room},
		{Global{}, KindPresence, global},
		{Global{}, KindMessage, global},
		{Global{}, KindUnread, global},
		{Global{}, KindTyping, room},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.policy.Target(tc.kind, "c1"), "%s/%d", tc.policy.Name(), tc.kind)
	}
}

func TestNewFanoutPolicy(t *testing.T) {
	req := require.New(t)

	p, err := NewFanoutPolicy("")
	req.NoError(err)
	req.Equal("room", p.Name())

	p, err = NewFanoutPolicy("global")
	req.NoError(err)
	req.Equal("global", p.Name())

	_, err = NewFanoutPolicy("broadcast")
	req.Error(err)
}
