// Package model maintains an authoritative in-memory replica of a Mumble
// server's user/channel tree, driven by decoded control-channel messages
// and surfaced to observers: the canonical user map (by session), the
// channel map (by id) forming a tree rooted at id 0, the symmetric
// channel link relation, and a per-channel ACL cache.
//
// Model dispatches every observer notification from the same goroutine
// that called the triggering Handle* method. Callers drive all Handle*
// methods from one goroutine, which gives observers a strictly FIFO,
// single-threaded view of state changes.
package model

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyguts/mumble/wire"
)

// Model owns the canonical user and channel maps. The zero value is not
// usable; construct with New.
type Model struct {
	mu sync.RWMutex

	users    map[Session]*User
	channels map[ChannelID]*Channel
	root     *Channel

	acls map[ChannelID]*ACLInfo

	self Session // our own session id, set on ServerSync

	observers []Observer

	// send, if set, lets Model push outbound control messages it needs to
	// originate on its own (RequestBlob when a comment/texture hash
	// changes). Wired by the client package to
	// transport.Connection.SendControl; nil is valid and simply drops
	// the request.
	send func(msg any)

	log *slog.Logger
}

// New returns a Model with an empty root channel (id 0) and no observers.
func New(logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	root := &Channel{
		ID:       0,
		Name:     "Root",
		Children: make(map[ChannelID]*Channel),
		Users:    make(map[Session]*User),
		Links:    make(map[ChannelID]*Channel),
	}
	return &Model{
		users:    make(map[Session]*User),
		channels: map[ChannelID]*Channel{0: root},
		root:     root,
		acls:     make(map[ChannelID]*ACLInfo),
		log:      logger.With("component", "model"),
	}
}

// Subscribe registers an Observer; notifications are delivered in
// registration order, same convention as transport.Router.
func (m *Model) Subscribe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// SetOutbound wires the function Model uses to send messages it
// originates itself (currently only RequestBlob).
func (m *Model) SetOutbound(fn func(msg any)) {
	m.mu.Lock()
	m.send = fn
	m.mu.Unlock()
}

func (m *Model) notify(fn func(o Observer)) {
	m.mu.RLock()
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.mu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

// Touch updates a user's LastSeen timestamp to now. The client package
// calls this on every voice packet arrival for a session so idle-timeout
// bookkeeping reflects more than just control-channel activity.
func (m *Model) Touch(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[session]; ok {
		u.LastSeen = time.Now()
	}
}

// Self returns our own session id, valid once ServerSync has been applied.
func (m *Model) Self() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// User looks up a user by session.
func (m *Model) User(session Session) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[session]
	return u, ok
}

// Users returns a snapshot slice of every known user.
func (m *Model) Users() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out
}

// Channel looks up a channel by id.
func (m *Model) Channel(id ChannelID) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	return c, ok
}

// Root returns the id-0 root channel.
func (m *Model) Root() *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Channels returns a snapshot slice of every known channel.
func (m *Model) Channels() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}

// ACL returns the cached access-control info for a channel, if any.
func (m *Model) ACL(id ChannelID) (ACLInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.acls[id]
	if !ok {
		return ACLInfo{}, false
	}
	return *info, true
}

// HandleServerSync applies the handshake-completing ServerSync message:
// records our own session id and announces readiness to observers.
func (m *Model) HandleServerSync(msg *wire.ServerSync) {
	m.mu.Lock()
	m.self = msg.Session
	m.mu.Unlock()
	m.notify(func(o Observer) { o.ServerSynced(msg.WelcomeText, msg.Session) })
}

// HandleUserState creates-or-updates a user, diffing every present field
// against prior state and emitting the matching observer calls.
func (m *Model) HandleUserState(msg *wire.UserState) {
	m.mu.Lock()

	u, existed := m.users[msg.Session]
	if !existed {
		u = &User{Session: msg.Session}
		m.users[msg.Session] = u
	}
	u.LastSeen = time.Now()

	oldName := u.Name
	if msg.Name != nil {
		u.Name = *msg.Name
	}
	if msg.UserID != nil {
		id := int32(*msg.UserID)
		u.UserID = &id
	}
	if msg.Hash != nil {
		u.Hash = *msg.Hash
	}

	muteDeafChanged := false
	if msg.Mute != nil && *msg.Mute != u.Muted {
		u.Muted = *msg.Mute
		muteDeafChanged = true
	}
	if msg.Deaf != nil && *msg.Deaf != u.Deafened {
		u.Deafened = *msg.Deaf
		muteDeafChanged = true
	}
	if msg.Suppress != nil {
		u.Suppressed = *msg.Suppress
	}

	selfChanged := false
	if msg.SelfMute != nil && *msg.SelfMute != u.SelfMuted {
		u.SelfMuted = *msg.SelfMute
		selfChanged = true
	}
	if msg.SelfDeaf != nil && *msg.SelfDeaf != u.SelfDeafened {
		u.SelfDeafened = *msg.SelfDeaf
		selfChanged = true
	}

	prioChanged := msg.PrioritySpeaker != nil && *msg.PrioritySpeaker != u.PrioritySpeaker
	if prioChanged {
		u.PrioritySpeaker = *msg.PrioritySpeaker
	}

	recChanged := msg.Recording != nil && *msg.Recording != u.Recording
	if recChanged {
		u.Recording = *msg.Recording
	}

	commentChanged := false
	if msg.Comment != nil {
		u.Comment = *msg.Comment
		u.CommentHash = nil
		commentChanged = true
	} else if msg.CommentHash != nil && !bytes.Equal(msg.CommentHash, u.CommentHash) {
		u.CommentHash = msg.CommentHash
		commentChanged = true
		m.requestBlobLocked(&wire.RequestBlob{SessionComment: []uint32{msg.Session}})
	}

	textureChanged := false
	if msg.Texture != nil {
		u.Texture = msg.Texture
		u.TextureHash = nil
		textureChanged = true
	} else if msg.TextureHash != nil && !bytes.Equal(msg.TextureHash, u.TextureHash) {
		u.TextureHash = msg.TextureHash
		textureChanged = true
		m.requestBlobLocked(&wire.RequestBlob{SessionTexture: []uint32{msg.Session}})
	}

	var fromChannel, toChannel ChannelID
	channelMoved := false
	if msg.ChannelID != nil {
		toChannel = *msg.ChannelID
		if u.Channel != nil {
			fromChannel = u.Channel.ID
		}
		if !existed || u.Channel == nil || u.Channel.ID != toChannel {
			channelMoved = true
			m.moveUserToLocked(u, toChannel)
		}
	} else if !existed {
		// A brand-new user with no channel id yet joins the root.
		toChannel = 0
		channelMoved = true
		m.moveUserToLocked(u, 0)
	}

	m.mu.Unlock()

	if !existed {
		m.notify(func(o Observer) { o.UserJoined(u) })
	}
	if msg.Name != nil && oldName != u.Name && existed {
		m.notify(func(o Observer) { o.UserRenamed(u, oldName) })
	}
	if muteDeafChanged {
		m.notify(func(o Observer) { o.UserMuteDeafChanged(u) })
	}
	if selfChanged {
		m.notify(func(o Observer) { o.UserSelfMuteDeafChanged(u) })
	}
	if prioChanged {
		m.notify(func(o Observer) { o.UserPrioritySpeakerChanged(u) })
	}
	if recChanged {
		m.notify(func(o Observer) { o.UserRecordingChanged(u) })
	}
	if commentChanged {
		m.notify(func(o Observer) { o.UserCommentChanged(u) })
	}
	if textureChanged {
		m.notify(func(o Observer) { o.UserTextureChanged(u) })
	}
	if channelMoved {
		m.notify(func(o Observer) { o.UserMoved(u, fromChannel, toChannel, msg.Actor) })
	}
}

// moveUserToLocked detaches u from its current channel (if any) and
// attaches it to channel id to. Caller holds m.mu.
func (m *Model) moveUserToLocked(u *User, to ChannelID) {
	if u.Channel != nil {
		delete(u.Channel.Users, u.Session)
	}
	ch, ok := m.channels[to]
	if !ok {
		// Server referenced a channel we haven't seen a ChannelState for
		// yet; synthesize a bare placeholder under root rather than drop
		// the user, mirroring how a real client tolerates out-of-order
		// delivery until the ChannelState for it arrives.
		ch = &Channel{ID: to, Parent: m.root, Children: make(map[ChannelID]*Channel), Users: make(map[Session]*User), Links: make(map[ChannelID]*Channel)}
		m.channels[to] = ch
		m.root.Children[to] = ch
	}
	ch.Users[u.Session] = u
	u.Channel = ch
}

func (m *Model) requestBlobLocked(req *wire.RequestBlob) {
	if m.send != nil {
		m.send(req)
	}
}

// HandleUserRemove detaches and deletes a user, classifying the removal
// as a kick, ban, or plain disconnect from the actor and ban flag.
func (m *Model) HandleUserRemove(msg *wire.UserRemove) {
	m.mu.Lock()
	u, ok := m.users[msg.Session]
	if !ok {
		m.mu.Unlock()
		return
	}
	if u.Channel != nil {
		delete(u.Channel.Users, u.Session)
	}
	delete(m.users, msg.Session)
	m.mu.Unlock()

	kicked := msg.Actor != 0 && !msg.Ban
	m.notify(func(o Observer) { o.UserLeft(msg.Session, msg.Actor, msg.Reason, kicked, msg.Ban) })
}

// HandleChannelState creates-or-updates a channel and applies reparenting
// and link-set diffs.
func (m *Model) HandleChannelState(msg *wire.ChannelState) {
	m.mu.Lock()

	ch, existed := m.channels[msg.ChannelID]
	if !existed {
		ch = &Channel{
			ID:       msg.ChannelID,
			Children: make(map[ChannelID]*Channel),
			Users:    make(map[Session]*User),
			Links:    make(map[ChannelID]*Channel),
		}
		m.channels[msg.ChannelID] = ch
	}

	if msg.Name != nil {
		ch.Name = *msg.Name
	}
	ch.Position = msg.Position
	ch.Temporary = msg.Temporary
	if msg.Description != nil {
		ch.Description = *msg.Description
		ch.DescriptionHash = nil
	} else if msg.DescriptionHash != nil && !bytes.Equal(msg.DescriptionHash, ch.DescriptionHash) {
		ch.DescriptionHash = msg.DescriptionHash
		m.requestBlobLocked(&wire.RequestBlob{ChannelDescription: []uint32{msg.ChannelID}})
	}

	var oldParentID, newParentID ChannelID
	moved := false
	if msg.Parent != nil && ch.ID != 0 {
		newParentID = *msg.Parent
		if ch.Parent != nil {
			oldParentID = ch.Parent.ID
		}
		if !existed || ch.Parent == nil || ch.Parent.ID != newParentID {
			moved = existed // creation isn't a "move"
			if ch.Parent != nil {
				delete(ch.Parent.Children, ch.ID)
			}
			newParent, ok := m.channels[newParentID]
			if !ok {
				newParent = &Channel{ID: newParentID, Parent: m.root, Children: make(map[ChannelID]*Channel), Users: make(map[Session]*User), Links: make(map[ChannelID]*Channel)}
				m.channels[newParentID] = newParent
				m.root.Children[newParentID] = newParent
			}
			newParent.Children[ch.ID] = ch
			ch.Parent = newParent
		}
	} else if !existed && ch.ID != 0 {
		ch.Parent = m.root
		m.root.Children[ch.ID] = ch
	}

	added, removed, set := m.applyLinksLocked(ch, msg)

	m.mu.Unlock()

	if !existed {
		m.notify(func(o Observer) { o.ChannelAdded(ch) })
	}
	if moved {
		m.notify(func(o Observer) { o.ChannelMoved(ch, oldParentID, newParentID) })
	}
	if msg.Links != nil {
		m.notify(func(o Observer) { o.LinksSet(ch, set) })
	}
	if len(added) > 0 {
		m.notify(func(o Observer) { o.LinksAdded(ch, added) })
	}
	if len(removed) > 0 {
		m.notify(func(o Observer) { o.LinksRemoved(ch, removed) })
	}
}

// applyLinksLocked updates ch's symmetric Links set from msg and returns
// the added/removed/full-set ids for observer notification. Caller holds
// m.mu.
func (m *Model) applyLinksLocked(ch *Channel, msg *wire.ChannelState) (added, removed, set []ChannelID) {
	link := func(otherID ChannelID) {
		other, ok := m.channels[otherID]
		if !ok {
			return
		}
		ch.Links[otherID] = other
		other.Links[ch.ID] = ch
	}
	unlink := func(otherID ChannelID) {
		delete(ch.Links, otherID)
		if other, ok := m.channels[otherID]; ok {
			delete(other.Links, ch.ID)
		}
	}

	if msg.Links != nil {
		// Full snapshot: compute the symmetric difference against the
		// current set rather than blindly unlinking everything, so
		// observer LinksSet carries the authoritative full set while
		// the internal symmetric relation stays correct either way.
		want := make(map[ChannelID]bool, len(msg.Links))
		for _, id := range msg.Links {
			want[id] = true
			set = append(set, id)
		}
		for id := range ch.Links {
			if !want[id] {
				unlink(id)
			}
		}
		for id := range want {
			if _, ok := ch.Links[id]; !ok {
				link(id)
			}
		}
		return nil, nil, set
	}

	for _, id := range msg.LinksAdd {
		if _, ok := ch.Links[id]; !ok {
			link(id)
			added = append(added, id)
		}
	}
	for _, id := range msg.LinksRemove {
		if _, ok := ch.Links[id]; ok {
			unlink(id)
			removed = append(removed, id)
		}
	}
	return added, removed, nil
}

// HandleChannelRemove detaches and deletes a channel. The server
// guarantees no children remain, so this does not recurse.
func (m *Model) HandleChannelRemove(msg *wire.ChannelRemove) {
	m.mu.Lock()
	ch, ok := m.channels[msg.ChannelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if ch.Parent != nil {
		delete(ch.Parent.Children, ch.ID)
	}
	for otherID := range ch.Links {
		if other, ok := m.channels[otherID]; ok {
			delete(other.Links, ch.ID)
		}
	}
	delete(m.channels, msg.ChannelID)
	delete(m.acls, msg.ChannelID)
	m.mu.Unlock()

	m.notify(func(o Observer) { o.ChannelRemoved(msg.ChannelID) })
}

// HandleTextMessage resolves the sender and delivers the message to
// observers.
func (m *Model) HandleTextMessage(msg *wire.TextMessage) {
	m.mu.RLock()
	from := m.users[msg.Actor]
	m.mu.RUnlock()
	m.notify(func(o Observer) { o.TextMessageReceived(from, msg) })
}

// HandlePermissionDenied maps a PermissionDenied message to the typed
// observer callback.
func (m *Model) HandlePermissionDenied(msg *wire.PermissionDenied) {
	m.notify(func(o Observer) {
		o.PermissionDenied(msg.Type, msg.ChannelID, msg.Session, msg.Reason, msg.Name)
	})
}

// HandleACL caches the channel's access-control entries and groups.
func (m *Model) HandleACL(msg *wire.ACL) {
	groups := make([]ACLGroup, len(msg.Groups))
	for i, g := range msg.Groups {
		groups[i] = ACLGroup{
			Name: g.Name, Inherited: g.Inherited, Inherit: g.Inherit,
			Inheritable: g.Inheritable, Add: g.Add, Remove: g.Remove,
			InheritedMembers: g.InheritedMembers,
		}
	}
	entries := make([]ACLEntry, len(msg.ACLs))
	for i, e := range msg.ACLs {
		entries[i] = ACLEntry{
			ApplyHere: e.ApplyHere, ApplySubs: e.ApplySubs, Inherited: e.Inherited,
			UserID: e.UserID, Group: e.Group, Grant: e.Grant, Deny: e.Deny,
		}
	}

	m.mu.Lock()
	info, ok := m.acls[msg.ChannelID]
	if !ok {
		info = &ACLInfo{}
		m.acls[msg.ChannelID] = info
	}
	info.InheritACLs = msg.InheritACLs
	info.Groups = groups
	info.Entries = entries
	m.mu.Unlock()

	m.notify(func(o Observer) { o.ACLUpdated(msg.ChannelID) })
}

// HandlePermissionQuery records the answered permission bitmask for a
// channel (the local user's own permissions).
func (m *Model) HandlePermissionQuery(msg *wire.PermissionQuery) {
	m.mu.Lock()
	if msg.Flush {
		m.acls = make(map[ChannelID]*ACLInfo)
	}
	info, ok := m.acls[msg.ChannelID]
	if !ok {
		info = &ACLInfo{}
		m.acls[msg.ChannelID] = info
	}
	info.Permissions = msg.Permissions
	info.HasPermissions = true
	m.mu.Unlock()

	m.notify(func(o Observer) { o.PermissionQueryAnswered(msg.ChannelID, msg.Permissions) })
}

// HandleCodecVersion notifies observers of the server's codec preference;
// Model itself stores nothing. The client package reacts to the same
// message separately, in its own router handler.
func (m *Model) HandleCodecVersion(msg *wire.CodecVersion) {
	m.notify(func(o Observer) { o.CodecVersionChanged(*msg) })
}

// HandleContextAction delivers a triggered context action to observers.
// Which registration flavor a server sends (ContextActionAdd vs
// ContextActionModify) varies by server version; both decode to
// wire.ContextActionModify at the codec layer, and HandleContextAction
// itself only ever fires for the invocation message, wire.ContextAction.
func (m *Model) HandleContextAction(msg *wire.ContextAction) {
	m.notify(func(o Observer) { o.ContextAction(msg) })
}

// SetTalkState updates a user's talk state (normal/whisper/shout/silence)
// as derived from an incoming voice packet's target field and notifies
// observers if it changed.
func (m *Model) SetTalkState(session Session, state TalkState) {
	m.mu.Lock()
	u, ok := m.users[session]
	if !ok || u.Talk == state {
		m.mu.Unlock()
		return
	}
	old := u.Talk
	u.Talk = state
	m.mu.Unlock()

	m.notify(func(o Observer) { o.TalkStateChanged(u, old) })
}
