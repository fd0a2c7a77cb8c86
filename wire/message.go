// Package wire defines the Mumble TCP control-channel message catalogue:
// the 16-bit-type + 32-bit-length frame header, one struct per message
// type, and a pluggable Codec seam standing in for the protocol's real
// wire serializer.
package wire

// MessageType identifies the payload that follows a frame header.
type MessageType uint16

const (
	TypeVersion MessageType = iota
	TypeUDPTunnel
	TypeAuthenticate
	TypePing
	TypeReject
	TypeServerSync
	TypeChannelRemove
	TypeChannelState
	TypeUserRemove
	TypeUserState
	TypeBanList
	TypeTextMessage
	TypePermissionDenied
	TypeACL
	TypeQueryUsers
	TypeCryptSetup
	TypeContextActionModify
	TypeContextAction
	TypeUserList
	TypeVoiceTarget
	TypePermissionQuery
	TypeCodecVersion
	TypeUserStats
	TypeRequestBlob
	TypeServerConfig
	TypeSuggestConfig
)

// String gives a lowercase name for logging; unknown types report
// "unknown" rather than panicking.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

var typeNames = map[MessageType]string{
	TypeVersion:             "version",
	TypeUDPTunnel:           "udp_tunnel",
	TypeAuthenticate:        "authenticate",
	TypePing:                "ping",
	TypeReject:              "reject",
	TypeServerSync:          "server_sync",
	TypeChannelRemove:       "channel_remove",
	TypeChannelState:        "channel_state",
	TypeUserRemove:          "user_remove",
	TypeUserState:           "user_state",
	TypeBanList:             "ban_list",
	TypeTextMessage:         "text_message",
	TypePermissionDenied:    "permission_denied",
	TypeACL:                 "acl",
	TypeQueryUsers:          "query_users",
	TypeCryptSetup:          "crypt_setup",
	TypeContextActionModify: "context_action_modify",
	TypeContextAction:       "context_action",
	TypeUserList:            "user_list",
	TypeVoiceTarget:         "voice_target",
	TypePermissionQuery:     "permission_query",
	TypeCodecVersion:        "codec_version",
	TypeUserStats:           "user_stats",
	TypeRequestBlob:         "request_blob",
	TypeServerConfig:        "server_config",
	TypeSuggestConfig:       "suggest_config",
}

// Version carries the protocol/client/OS version exchanged at connect time.
type Version struct {
	Version uint64 `json:"version"`
	Release string `json:"release,omitempty"`
	OS      string `json:"os,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
}

// UDPTunnel carries a raw voice datagram over the TCP control stream when
// the UDP path is unavailable or not yet confirmed.
type UDPTunnel struct {
	Packet []byte `json:"packet"`
}

// Authenticate is the client's login request.
type Authenticate struct {
	Username string   `json:"username"`
	Password string   `json:"password,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`
	CeltVersions []int32 `json:"celt_versions,omitempty"`
	Opus     bool     `json:"opus"`
}

// Ping is exchanged bidirectionally for RTT measurement and keepalive.
type Ping struct {
	Timestamp uint64 `json:"timestamp"`
	Good      uint32 `json:"good,omitempty"`
	Late      uint32 `json:"late,omitempty"`
	Lost      uint32 `json:"lost,omitempty"`
	Resync    uint32 `json:"resync,omitempty"`
	UDPPingAvg float32 `json:"udp_ping_avg,omitempty"`
	UDPPingVar float32 `json:"udp_ping_var,omitempty"`
	TCPPingAvg float32 `json:"tcp_ping_avg,omitempty"`
	TCPPingVar float32 `json:"tcp_ping_var,omitempty"`
	TCPPackets uint32  `json:"tcp_packets,omitempty"`
}

// Reject is sent by the server instead of ServerSync when authentication
// or the connection handshake fails.
type Reject struct {
	Type   RejectType `json:"type"`
	Reason string     `json:"reason,omitempty"`
}

// RejectType enumerates why the server refused the connection.
type RejectType int32

const (
	RejectNone RejectType = iota
	RejectWrongVersion
	RejectInvalidUsername
	RejectWrongUserPW
	RejectWrongServerPW
	RejectUsernameInUse
	RejectServerFull
	RejectNoCertificate
	RejectAuthenticatorFail
)

// String gives a lowercase name for logging; unknown values report
// "unknown".
func (t RejectType) String() string {
	if name, ok := rejectTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

var rejectTypeNames = map[RejectType]string{
	RejectNone:              "none",
	RejectWrongVersion:      "wrong_version",
	RejectInvalidUsername:   "invalid_username",
	RejectWrongUserPW:       "wrong_user_password",
	RejectWrongServerPW:     "wrong_server_password",
	RejectUsernameInUse:     "username_in_use",
	RejectServerFull:        "server_full",
	RejectNoCertificate:     "no_certificate",
	RejectAuthenticatorFail: "authenticator_fail",
}

// ServerSync completes the handshake: the client's assigned session id,
// the server's welcome text, and the enforced connection cap.
type ServerSync struct {
	Session     uint32 `json:"session"`
	MaxBandwidth uint32 `json:"max_bandwidth,omitempty"`
	WelcomeText string `json:"welcome_text,omitempty"`
	PermissionsMask uint64 `json:"permissions,omitempty"`
}

// ChannelRemove announces a channel's deletion.
type ChannelRemove struct {
	ChannelID uint32 `json:"channel_id"`
}

// ChannelState is both a full snapshot (on join) and a diff (on update);
// unset fields must not be applied as zero values by model.Model; see
// the model package's diff-application rules.
type ChannelState struct {
	ChannelID   uint32   `json:"channel_id"`
	Parent      *uint32  `json:"parent,omitempty"`
	Name        *string  `json:"name,omitempty"`
	Links       []uint32 `json:"links,omitempty"`
	LinksAdd    []uint32 `json:"links_add,omitempty"`
	LinksRemove []uint32 `json:"links_remove,omitempty"`
	Temporary   bool     `json:"temporary,omitempty"`
	Position    int32    `json:"position,omitempty"`
	Description *string  `json:"description,omitempty"`
	DescriptionHash []byte `json:"description_hash,omitempty"`
	MaxUsers    uint32   `json:"max_users,omitempty"`
}

// UserRemove announces a user's disconnection, or a kick/ban when Actor
// is set.
type UserRemove struct {
	Session uint32 `json:"session"`
	Actor   uint32 `json:"actor,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Ban     bool   `json:"ban,omitempty"`
}

// UserState is both a full snapshot and a diff, same convention as
// ChannelState.
type UserState struct {
	Session        uint32  `json:"session"`
	Actor          uint32  `json:"actor,omitempty"`
	Name           *string `json:"name,omitempty"`
	UserID         *uint32 `json:"user_id,omitempty"`
	ChannelID      *uint32 `json:"channel_id,omitempty"`
	Mute           *bool   `json:"mute,omitempty"`
	Deaf           *bool   `json:"deaf,omitempty"`
	Suppress       *bool   `json:"suppress,omitempty"`
	SelfMute       *bool   `json:"self_mute,omitempty"`
	SelfDeaf       *bool   `json:"self_deaf,omitempty"`
	Texture        []byte  `json:"texture,omitempty"`
	PluginContext  []byte  `json:"plugin_context,omitempty"`
	PluginIdentity *string `json:"plugin_identity,omitempty"`
	Comment        *string `json:"comment,omitempty"`
	Hash           *string `json:"hash,omitempty"`
	CommentHash    []byte  `json:"comment_hash,omitempty"`
	TextureHash    []byte  `json:"texture_hash,omitempty"`
	PrioritySpeaker *bool  `json:"priority_speaker,omitempty"`
	Recording      *bool   `json:"recording,omitempty"`
	ListenChannelAdd []uint32 `json:"listen_channel_add,omitempty"`
	ListenChannelRemove []uint32 `json:"listen_channel_remove,omitempty"`
}

// BanList is exchanged to query or update the server ban list.
type BanList struct {
	Bans []BanEntry `json:"bans,omitempty"`
	Query bool      `json:"query,omitempty"`
}

// BanEntry is a single ban record.
type BanEntry struct {
	Address  []byte `json:"address"`
	Mask     int32  `json:"mask"`
	Name     string `json:"name,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Start    string `json:"start,omitempty"`
	Duration uint32 `json:"duration,omitempty"`
}

// TextMessage is a chat message, targeted at sessions, channels, or whole
// trees.
type TextMessage struct {
	Actor    uint32   `json:"actor,omitempty"`
	Session  []uint32 `json:"session,omitempty"`
	ChannelID []uint32 `json:"channel_id,omitempty"`
	TreeID   []uint32 `json:"tree_id,omitempty"`
	Message  string   `json:"message"`
}

// PermissionDenied explains why a requested action was refused.
type PermissionDenied struct {
	Permission uint32 `json:"permission,omitempty"`
	ChannelID  uint32 `json:"channel_id,omitempty"`
	Session    uint32 `json:"session,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Type       PermissionDeniedType `json:"type"`
	Name       string `json:"name,omitempty"`
}

// PermissionDeniedType enumerates why the server refused an operation.
type PermissionDeniedType int32

const (
	DeniedText PermissionDeniedType = iota
	DeniedPermission
	DeniedSuperUser
	DeniedChannelName
	DeniedTextTooLong
	DeniedH9K
	DeniedTemporaryChannel
	DeniedMissingCertificate
	DeniedUserName
	DeniedChannelFull
	DeniedNestingLimit
)

// ACL is both the query reply and the update request for one channel's
// access control list.
type ACL struct {
	ChannelID      uint32     `json:"channel_id"`
	InheritACLs    bool       `json:"inherit_acls,omitempty"`
	Groups         []ACLGroup `json:"groups,omitempty"`
	ACLs           []ACLEntry `json:"acls,omitempty"`
	Query          bool       `json:"query,omitempty"`
}

// ACLGroup is one named permission group.
type ACLGroup struct {
	Name        string   `json:"name"`
	Inherited   bool     `json:"inherited,omitempty"`
	Inherit     bool     `json:"inherit,omitempty"`
	Inheritable bool     `json:"inheritable,omitempty"`
	Add         []uint32 `json:"add,omitempty"`
	Remove      []uint32 `json:"remove,omitempty"`
	InheritedMembers []uint32 `json:"inherited_members,omitempty"`
}

// ACLEntry grants or denies a permission bitmask to a user or group.
type ACLEntry struct {
	ApplyHere bool   `json:"apply_here,omitempty"`
	ApplySubs bool   `json:"apply_subs,omitempty"`
	Inherited bool   `json:"inherited,omitempty"`
	UserID    *uint32 `json:"user_id,omitempty"`
	Group     string `json:"group,omitempty"`
	Grant     uint32 `json:"grant,omitempty"`
	Deny      uint32 `json:"deny,omitempty"`
}

// QueryUsers resolves user ids to names or names to ids.
type QueryUsers struct {
	IDs   []uint32 `json:"ids,omitempty"`
	Names []string `json:"names,omitempty"`
}

// CryptSetup carries OCB2 key material, or (when only ClientNonce is set)
// asks the peer to resynchronize its decrypt nonce.
type CryptSetup struct {
	Key          []byte `json:"key,omitempty"`
	ClientNonce  []byte `json:"client_nonce,omitempty"`
	ServerNonce  []byte `json:"server_nonce,omitempty"`
}

// ContextActionModify registers or removes a context menu action plugins
// can offer on users/channels.
type ContextActionModify struct {
	Action    string `json:"action"`
	Text      string `json:"text,omitempty"`
	Context   uint32 `json:"context,omitempty"`
	Operation ContextActionOperation `json:"operation"`
}

// ContextActionOperation selects add vs. remove for ContextActionModify.
type ContextActionOperation int32

const (
	ContextActionAdd ContextActionOperation = iota
	ContextActionRemove
)

// ContextAction is triggered when a user invokes a registered action.
type ContextAction struct {
	Session   uint32 `json:"session,omitempty"`
	ChannelID uint32 `json:"channel_id,omitempty"`
	Action    string `json:"action"`
}

// UserList is the server's registered-user roster, used for
// registration/admin management rather than the live online set.
type UserList struct {
	Users []UserListEntry `json:"users,omitempty"`
}

// UserListEntry is one registered account.
type UserListEntry struct {
	UserID      uint32 `json:"user_id"`
	Name        string `json:"name,omitempty"`
	LastSeen    string `json:"last_seen,omitempty"`
	LastChannel uint32 `json:"last_channel,omitempty"`
}

// VoiceTarget configures a whisper/shout target list the client can
// reference by a small integer id in subsequent voice packets.
type VoiceTarget struct {
	ID      uint32              `json:"id"`
	Targets []VoiceTargetEntry  `json:"targets,omitempty"`
}

// VoiceTargetEntry names one recipient set within a VoiceTarget.
type VoiceTargetEntry struct {
	Session   []uint32 `json:"session,omitempty"`
	ChannelID uint32   `json:"channel_id,omitempty"`
	Group     string   `json:"group,omitempty"`
	Links     bool     `json:"links,omitempty"`
	Children  bool     `json:"children,omitempty"`
}

// PermissionQuery asks, or answers, what a session may do in a channel.
type PermissionQuery struct {
	ChannelID   uint32 `json:"channel_id"`
	Permissions uint32 `json:"permissions,omitempty"`
	Flush       bool   `json:"flush,omitempty"`
}

// CodecVersion announces which audio codecs the server prefers.
type CodecVersion struct {
	Alpha         int32 `json:"alpha"`
	Beta          int32 `json:"beta"`
	PreferAlpha   bool  `json:"prefer_alpha"`
	Opus          bool  `json:"opus"`
}

// UserStats carries detailed per-connection diagnostics, requested by an
// admin or by the user about themselves.
type UserStats struct {
	Session       uint32      `json:"session"`
	StatsOnly     bool        `json:"stats_only,omitempty"`
	Certificates  [][]byte    `json:"certificates,omitempty"`
	FromClient    NetworkStats `json:"from_client"`
	FromServer    NetworkStats `json:"from_server"`
	UDPPackets    uint32      `json:"udp_packets,omitempty"`
	TCPPackets    uint32      `json:"tcp_packets,omitempty"`
	UDPPingAvg    float32     `json:"udp_ping_avg,omitempty"`
	UDPPingVar    float32     `json:"udp_ping_var,omitempty"`
	TCPPingAvg    float32     `json:"tcp_ping_avg,omitempty"`
	TCPPingVar    float32     `json:"tcp_ping_var,omitempty"`
	Version       Version     `json:"version"`
	CeltVersions  []int32     `json:"celt_versions,omitempty"`
	Address       []byte      `json:"address,omitempty"`
	Bandwidth     uint32      `json:"bandwidth,omitempty"`
	OnlineSecs    uint32      `json:"online_secs,omitempty"`
	IdleSecs      uint32      `json:"idle_secs,omitempty"`
	StrongCertificate bool    `json:"strong_certificate,omitempty"`
	Opus          bool        `json:"opus,omitempty"`
}

// NetworkStats holds one direction's good/late/lost/resync counters,
// mirroring ocb2.Stats for wire transmission.
type NetworkStats struct {
	Good   uint32 `json:"good"`
	Late   uint32 `json:"late"`
	Lost   uint32 `json:"lost"`
	Resync uint32 `json:"resync"`
}

// RequestBlob asks the server to resend large data (texture/comment) by
// hash instead of inline, when the client doesn't already have it cached.
type RequestBlob struct {
	SessionTexture []uint32 `json:"session_texture,omitempty"`
	SessionComment []uint32 `json:"session_comment,omitempty"`
	ChannelDescription []uint32 `json:"channel_description,omitempty"`
}

// ServerConfig announces server-wide limits the client should respect.
type ServerConfig struct {
	MaxBandwidth  uint32 `json:"max_bandwidth,omitempty"`
	AllowHTML     bool   `json:"allow_html,omitempty"`
	MessageLength uint32 `json:"message_length,omitempty"`
	ImageMessageLength uint32 `json:"image_message_length,omitempty"`
	MaxUsers      uint32 `json:"max_users,omitempty"`
	RecordingAllowed bool `json:"recording_allowed,omitempty"`
}

// SuggestConfig carries client-side settings the server recommends but
// cannot enforce (e.g. push-to-talk).
type SuggestConfig struct {
	Version     *uint64 `json:"version,omitempty"`
	PositionalAudio *bool `json:"positional_audio,omitempty"`
	PushToTalk  *bool   `json:"push_to_talk,omitempty"`
}
