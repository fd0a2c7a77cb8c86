package model

import "github.com/rustyguts/mumble/wire"

// Observer receives serialized, totally-ordered notifications of every
// change this Model applies. All methods are invoked from the single
// goroutine that drives Model's Handle* methods: an Observer never sees
// two calls overlap, and never sees torn state. A concrete Observer need
// not implement every method; embed NopObserver to get no-op defaults
// and override only what you need.
type Observer interface {
	ChannelAdded(ch *Channel)
	ChannelRemoved(id ChannelID)
	ChannelMoved(ch *Channel, oldParent, newParent ChannelID)
	LinksAdded(ch *Channel, added []ChannelID)
	LinksRemoved(ch *Channel, removed []ChannelID)
	LinksSet(ch *Channel, links []ChannelID)

	UserJoined(u *User)
	UserLeft(session Session, actor Session, reason string, kicked, banned bool)
	UserMoved(u *User, from, to ChannelID, by Session)
	UserRenamed(u *User, oldName string)
	UserMuteDeafChanged(u *User)
	UserSelfMuteDeafChanged(u *User)
	UserPrioritySpeakerChanged(u *User)
	UserRecordingChanged(u *User)
	UserCommentChanged(u *User)
	UserTextureChanged(u *User)
	TalkStateChanged(u *User, old TalkState)

	TextMessageReceived(from *User, msg *wire.TextMessage)
	PermissionDenied(typ wire.PermissionDeniedType, channelID ChannelID, session Session, reason, name string)
	ACLUpdated(channelID ChannelID)
	PermissionQueryAnswered(channelID ChannelID, permissions uint32)
	CodecVersionChanged(cv wire.CodecVersion)
	ContextAction(action *wire.ContextAction)

	ServerSynced(welcome string, session Session)
}

// NopObserver implements Observer with no-op methods. Embed it in a
// concrete observer to pick and choose overrides.
type NopObserver struct{}

func (NopObserver) ChannelAdded(*Channel)                          {}
func (NopObserver) ChannelRemoved(ChannelID)                        {}
func (NopObserver) ChannelMoved(*Channel, ChannelID, ChannelID)     {}
func (NopObserver) LinksAdded(*Channel, []ChannelID)                {}
func (NopObserver) LinksRemoved(*Channel, []ChannelID)              {}
func (NopObserver) LinksSet(*Channel, []ChannelID)                  {}
func (NopObserver) UserJoined(*User)                                {}
func (NopObserver) UserLeft(Session, Session, string, bool, bool)   {}
func (NopObserver) UserMoved(*User, ChannelID, ChannelID, Session)  {}
func (NopObserver) UserRenamed(*User, string)                       {}
func (NopObserver) UserMuteDeafChanged(*User)                       {}
func (NopObserver) UserSelfMuteDeafChanged(*User)                   {}
func (NopObserver) UserPrioritySpeakerChanged(*User)                {}
func (NopObserver) UserRecordingChanged(*User)                      {}
func (NopObserver) UserCommentChanged(*User)                        {}
func (NopObserver) UserTextureChanged(*User)                        {}
func (NopObserver) TalkStateChanged(*User, TalkState)               {}
func (NopObserver) TextMessageReceived(*User, *wire.TextMessage)    {}
func (NopObserver) PermissionDenied(wire.PermissionDeniedType, ChannelID, Session, string, string) {}
func (NopObserver) ACLUpdated(ChannelID)                            {}
func (NopObserver) PermissionQueryAnswered(ChannelID, uint32)       {}
func (NopObserver) CodecVersionChanged(wire.CodecVersion)           {}
func (NopObserver) ContextAction(*wire.ContextAction)               {}
func (NopObserver) ServerSynced(string, Session)                    {}
