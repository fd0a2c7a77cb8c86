package model

import "time"

// Session identifies one connected user for the lifetime of their
// connection to a server; it has no meaning across reconnects.
type Session = uint32

// ChannelID identifies a channel; 0 is always the root.
type ChannelID = uint32

// TalkState is derived from the target field of incoming voice packets
// (see package jitter) and surfaced here so observers can render a
// per-user speaking indicator without reaching into the audio layer.
type TalkState int

const (
	Passive TalkState = iota
	Talking
	Whispering
	Shouting
)

func (s TalkState) String() string {
	switch s {
	case Talking:
		return "talking"
	case Whispering:
		return "whispering"
	case Shouting:
		return "shouting"
	default:
		return "passive"
	}
}

// User is one connected participant, keyed by Session. UserID mirrors the
// protocol's registration id: nil means the server hasn't told us yet, a
// negative value means unregistered, and 0 means superuser.
type User struct {
	Session Session
	UserID  *int32
	Name    string
	Hash    string

	Channel *Channel

	Talk TalkState

	Muted, Deafened         bool
	Suppressed              bool
	SelfMuted, SelfDeafened bool
	LocalMuted              bool
	PrioritySpeaker         bool
	Recording               bool
	Authenticated           bool
	Friend                  bool

	Comment     string
	CommentHash []byte
	Texture     []byte
	TextureHash []byte

	LastSeen time.Time
}

// Channel is one node of the server's channel tree, rooted at id 0.
type Channel struct {
	ID       ChannelID
	Name     string
	Position int32

	Parent   *Channel
	Children map[ChannelID]*Channel
	Users    map[Session]*User
	Links    map[ChannelID]*Channel

	Description     string
	DescriptionHash []byte
	Temporary       bool
}

// ACLGroup mirrors wire.ACLGroup, cached per channel.
type ACLGroup struct {
	Name             string
	Inherited        bool
	Inherit          bool
	Inheritable      bool
	Add              []uint32
	Remove           []uint32
	InheritedMembers []uint32
}

// ACLEntry mirrors wire.ACLEntry, cached per channel.
type ACLEntry struct {
	ApplyHere bool
	ApplySubs bool
	Inherited bool
	UserID    *uint32
	Group     string
	Grant     uint32
	Deny      uint32
}

// ACLInfo is one channel's cached access-control state, populated by the
// ACL and PermissionQuery handlers.
type ACLInfo struct {
	InheritACLs bool
	Groups      []ACLGroup
	Entries     []ACLEntry
	Permissions uint32 // last PermissionQuery answer for the local user, if any
	HasPermissions bool
}
