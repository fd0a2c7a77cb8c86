package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/mumble/wire"
)

// recordingObserver captures every callback invocation in arrival order
// so tests can assert A-before-B.
type recordingObserver struct {
	NopObserver
	events []string
}

func (r *recordingObserver) ChannelAdded(ch *Channel) {
	r.events = append(r.events, "channel_added:"+ch.Name)
}
func (r *recordingObserver) UserJoined(u *User) {
	r.events = append(r.events, "user_joined")
}
func (r *recordingObserver) UserMoved(u *User, from, to ChannelID, by Session) {
	r.events = append(r.events, "user_moved")
}

func strPtr(s string) *string { return &s }
func u32Ptr(v uint32) *uint32 { return &v }
func boolPtr(b bool) *bool    { return &b }

// observerFunc adapts a handful of closures to Observer so individual
// tests can assert on exactly the callback they care about without
// hand-writing a new recorder type each time.
type observerFunc struct {
	NopObserver
	textMessage func(*User, *wire.TextMessage)
	permDenied  func(wire.PermissionDeniedType, ChannelID, Session, string, string)
	userLeft    func(session, actor Session, reason string, kicked, banned bool)
	muteDeaf    func(*User)
}

func (f observerFunc) TextMessageReceived(from *User, msg *wire.TextMessage) {
	if f.textMessage != nil {
		f.textMessage(from, msg)
	}
}

func (f observerFunc) PermissionDenied(typ wire.PermissionDeniedType, ch ChannelID, sess Session, reason, name string) {
	if f.permDenied != nil {
		f.permDenied(typ, ch, sess, reason, name)
	}
}

func (f observerFunc) UserLeft(session, actor Session, reason string, kicked, banned bool) {
	if f.userLeft != nil {
		f.userLeft(session, actor, reason, kicked, banned)
	}
}

func (f observerFunc) UserMuteDeafChanged(u *User) {
	if f.muteDeaf != nil {
		f.muteDeaf(u)
	}
}

// TestChannelMoveScenario: a channel is created, then a previously-unseen
// user is placed into it, and the observer sees ChannelAdded, UserJoined,
// UserMoved in that order.
func TestChannelMoveScenario(t *testing.T) {
	m := New(nil)
	obs := &recordingObserver{}
	m.Subscribe(obs)

	m.HandleChannelState(&wire.ChannelState{ChannelID: 7, Parent: u32Ptr(0), Name: strPtr("Lobby")})

	ch, ok := m.Channel(7)
	require.True(t, ok)
	require.Equal(t, "Lobby", ch.Name)
	require.Equal(t, ChannelID(0), ch.Parent.ID)

	m.HandleUserState(&wire.UserState{Session: 42, ChannelID: u32Ptr(7)})

	u, ok := m.User(42)
	require.True(t, ok)
	require.Equal(t, ChannelID(7), u.Channel.ID)

	require.Equal(t, []string{"channel_added:Lobby", "user_joined", "user_moved"}, obs.events)
}

func TestChannelTreeInvariantAfterMoveAndRemove(t *testing.T) {
	m := New(nil)
	m.HandleChannelState(&wire.ChannelState{ChannelID: 1, Parent: u32Ptr(0), Name: strPtr("A")})
	m.HandleChannelState(&wire.ChannelState{ChannelID: 2, Parent: u32Ptr(1), Name: strPtr("B")})

	root := m.Root()
	require.Contains(t, root.Children, ChannelID(1))
	a, _ := m.Channel(1)
	require.Contains(t, a.Children, ChannelID(2))

	// Reparent B under root.
	m.HandleChannelState(&wire.ChannelState{ChannelID: 2, Parent: u32Ptr(0)})
	b, _ := m.Channel(2)
	require.Equal(t, ChannelID(0), b.Parent.ID)
	require.NotContains(t, a.Children, ChannelID(2))
	require.Contains(t, root.Children, ChannelID(2))

	// Remove A (now childless); the tree stays rooted with no dangling refs.
	m.HandleChannelRemove(&wire.ChannelRemove{ChannelID: 1})
	_, ok := m.Channel(1)
	require.False(t, ok)
	require.NotContains(t, root.Children, ChannelID(1))
}

func TestLinksAddRemoveAndSetAreSymmetric(t *testing.T) {
	m := New(nil)
	m.HandleChannelState(&wire.ChannelState{ChannelID: 1, Parent: u32Ptr(0), Name: strPtr("A")})
	m.HandleChannelState(&wire.ChannelState{ChannelID: 2, Parent: u32Ptr(0), Name: strPtr("B")})

	m.HandleChannelState(&wire.ChannelState{ChannelID: 1, LinksAdd: []uint32{2}})
	a, _ := m.Channel(1)
	b, _ := m.Channel(2)
	require.Contains(t, a.Links, ChannelID(2))
	require.Contains(t, b.Links, ChannelID(1))

	m.HandleChannelState(&wire.ChannelState{ChannelID: 1, LinksRemove: []uint32{2}})
	require.NotContains(t, a.Links, ChannelID(2))
	require.NotContains(t, b.Links, ChannelID(1))

	m.HandleChannelState(&wire.ChannelState{ChannelID: 1, Links: []uint32{2}})
	require.Contains(t, a.Links, ChannelID(2))
	require.Contains(t, b.Links, ChannelID(1))
}

func TestUserStateDiffsUpdateFieldsAndEmitMuteDeafCallback(t *testing.T) {
	var muteDeafCalls int
	m := New(nil)
	m.Subscribe(observerFunc{muteDeaf: func(*User) { muteDeafCalls++ }})

	m.HandleUserState(&wire.UserState{Session: 1, Name: strPtr("alice")})
	m.HandleUserState(&wire.UserState{Session: 1, Mute: boolPtr(true)})
	m.HandleUserState(&wire.UserState{Session: 1, SelfMute: boolPtr(true)})
	m.HandleUserState(&wire.UserState{Session: 1, PrioritySpeaker: boolPtr(true)})
	m.HandleUserState(&wire.UserState{Session: 1, Recording: boolPtr(true)})
	m.HandleUserState(&wire.UserState{Session: 1, Comment: strPtr("brb")})

	u, ok := m.User(1)
	require.True(t, ok)
	require.True(t, u.Muted)
	require.True(t, u.SelfMuted)
	require.True(t, u.PrioritySpeaker)
	require.True(t, u.Recording)
	require.Equal(t, "brb", u.Comment)
	require.Equal(t, 1, muteDeafCalls)

	// Re-sending the same Mute value must not re-fire the callback.
	m.HandleUserState(&wire.UserState{Session: 1, Mute: boolPtr(true)})
	require.Equal(t, 1, muteDeafCalls)
}

func TestCommentHashChangeRequestsBlob(t *testing.T) {
	m := New(nil)
	var sent []any
	m.SetOutbound(func(msg any) { sent = append(sent, msg) })

	m.HandleUserState(&wire.UserState{Session: 1, Name: strPtr("alice")})
	m.HandleUserState(&wire.UserState{Session: 1, CommentHash: []byte{1, 2, 3}})

	require.Len(t, sent, 1)
	req, ok := sent[0].(*wire.RequestBlob)
	require.True(t, ok)
	require.Equal(t, []uint32{1}, req.SessionComment)

	// Same hash again must not re-request.
	m.HandleUserState(&wire.UserState{Session: 1, CommentHash: []byte{1, 2, 3}})
	require.Len(t, sent, 1)
}

func TestUserRemoveClassifiesKickVsDisconnect(t *testing.T) {
	m := New(nil)
	var kicked, banned bool
	var reason string
	m.Subscribe(observerFunc{userLeft: func(_, _ Session, r string, k, b bool) {
		kicked, banned, reason = k, b, r
	}})

	m.HandleUserState(&wire.UserState{Session: 1, Name: strPtr("alice"), ChannelID: u32Ptr(0)})
	m.HandleUserRemove(&wire.UserRemove{Session: 1, Actor: 2, Reason: "rule 3"})

	_, ok := m.User(1)
	require.False(t, ok)
	require.NotContains(t, m.Root().Users, Session(1))
	require.True(t, kicked)
	require.False(t, banned)
	require.Equal(t, "rule 3", reason)

	m.HandleUserState(&wire.UserState{Session: 3, Name: strPtr("carol"), ChannelID: u32Ptr(0)})
	m.HandleUserRemove(&wire.UserRemove{Session: 3})
	require.False(t, kicked)
	require.False(t, banned)
}

func TestTextMessageResolvesSender(t *testing.T) {
	m := New(nil)
	m.HandleUserState(&wire.UserState{Session: 9, Name: strPtr("bob"), ChannelID: u32Ptr(0)})

	var got *wire.TextMessage
	var from *User
	m.Subscribe(observerFunc{textMessage: func(f *User, msg *wire.TextMessage) {
		from, got = f, msg
	}})

	m.HandleTextMessage(&wire.TextMessage{Actor: 9, Message: "hi"})
	require.NotNil(t, got)
	require.Equal(t, "hi", got.Message)
	require.NotNil(t, from)
	require.Equal(t, "bob", from.Name)
}

func TestPermissionDeniedDispatches(t *testing.T) {
	m := New(nil)
	var kind wire.PermissionDeniedType
	m.Subscribe(observerFunc{permDenied: func(typ wire.PermissionDeniedType, _ ChannelID, _ Session, _, _ string) {
		kind = typ
	}})
	m.HandlePermissionDenied(&wire.PermissionDenied{Type: wire.DeniedChannelFull})
	require.Equal(t, wire.DeniedChannelFull, kind)
}

func TestACLCacheAndPermissionQuery(t *testing.T) {
	m := New(nil)
	m.HandleACL(&wire.ACL{
		ChannelID: 3,
		Groups:    []wire.ACLGroup{{Name: "admin"}},
		ACLs:      []wire.ACLEntry{{Grant: 0xF}},
	})
	info, ok := m.ACL(3)
	require.True(t, ok)
	require.Len(t, info.Groups, 1)
	require.Equal(t, "admin", info.Groups[0].Name)

	m.HandlePermissionQuery(&wire.PermissionQuery{ChannelID: 3, Permissions: 0x10})
	info, ok = m.ACL(3)
	require.True(t, ok)
	require.True(t, info.HasPermissions)
	require.EqualValues(t, 0x10, info.Permissions)
}
