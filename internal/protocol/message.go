// Package protocol defines the JSON frames exchanged over the websocket.
//
// Inbound frames are discriminated by message_type; a missing or unknown
// message_type is treated as plain chat text. Outbound frames are
// discriminated by type. Unknown keys on inbound frames are ignored by
// encoding/json, matching the wire contract.
package protocol

// Inbound message_type values.
const (
	KindRegister     = "register"
	KindRegisterKey  = "register_key"
	KindPing         = "ping"
	KindPrivate      = "private"
	KindGetRooms     = "get_rooms"
	KindGetRoomUsers = "get_room_users"
	KindJoinRoom     = "join_room"
	KindLeaveRoom    = "leave_room"
	KindText         = "text"
)

// Outbound type values.
const (
	TypeWelcome         = "welcome"
	TypeError           = "error"
	TypeHelp            = "help"
	TypePong            = "pong"
	TypeMessage         = "message"
	TypePrivateMessage  = "private_message"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeUserRenamed     = "user_renamed"
	TypeUserJoinedRoom  = "user_joined_room"
	TypeUserLeftRoom    = "user_left_room"
	TypeUserKicked      = "user_kicked"
	TypeUserBanned      = "user_banned"
	TypeKicked          = "kicked"
	TypeBanned          = "banned"
	TypeUsernameChanged = "username_changed"
	TypeKeyRegistered   = "key_registered"
	TypeAdminSuccess    = "admin_success"
	TypeUsersList       = "users_list"
	TypeRoomUsersList   = "room_users_list"
	TypeRoomsList       = "rooms_list"
	TypeRoomJoined      = "room_joined"
	TypeRoomLeft        = "room_left"
	TypeRoomCreated     = "room_created"
	TypeRoomDeleted     = "room_deleted"
	TypeUserInfo        = "user_info"
	TypeBanSuccess      = "ban_success"
)

// Inbound is one client-to-server frame.
type Inbound struct {
	MessageType       string `json:"message_type"`
	Content           string `json:"content"`
	Room              string `json:"room"`
	Username          string `json:"username"`
	RecipientUsername string `json:"recipient_username"`
	EncryptedContent  string `json:"encrypted_content"`
	PublicKey         string `json:"public_key"`
	RoomName          string `json:"room_name"`
}

// Outbound is one server-to-client frame. Timestamp is ISO-8601 and set on
// every event-like frame.
type Outbound struct {
	Type             string    `json:"type"`
	Message          string    `json:"message,omitempty"`
	Username         string    `json:"username,omitempty"`
	Content          string    `json:"content,omitempty"`
	Room             string    `json:"room,omitempty"`
	RoomName         string    `json:"room_name,omitempty"`
	Rooms            []string  `json:"rooms,omitempty"`
	Users            []User    `json:"users,omitempty"`
	OldUsername      string    `json:"old_username,omitempty"`
	NewUsername      string    `json:"new_username,omitempty"`
	FromUsername     string    `json:"from_username,omitempty"`
	EncryptedContent string    `json:"encrypted_content,omitempty"`
	IsAdmin          bool      `json:"is_admin"`
	Target           string    `json:"target,omitempty"`
	Info             *UserInfo `json:"info,omitempty"`
	Timestamp        string    `json:"timestamp,omitempty"`
}

// User is one entry in a users_list or room_users_list roster.
type User struct {
	Username  string `json:"username"`
	IP        string `json:"ip,omitempty"`
	IsAdmin   bool   `json:"is_admin"`
	JoinedAt  string `json:"joined_at,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// UserInfo is the admin-only detail payload for a user_info reply.
type UserInfo struct {
	Username string `json:"username"`
	IP       string `json:"ip"`
	IsAdmin  bool   `json:"is_admin"`
	JoinedAt string `json:"joined_at"`
}
