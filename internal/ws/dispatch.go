package ws

import (
	"errors"
	"fmt"
	"strings"

	"xchat/server/internal/catalog"
	"xchat/server/internal/core"
	"xchat/server/internal/protocol"
)

// dispatch routes one inbound frame from a registered session.
func (h *Handler) dispatch(s *core.Session, in protocol.Inbound) {
	switch in.MessageType {
	case protocol.KindRegister:
		// Already registered; repeat registers are ignored.

	case protocol.KindPing:
		h.hub.Touch(s.Username)
		h.hub.SendTo(s.Username, protocol.Outbound{
			Type:      protocol.TypePong,
			Timestamp: now(),
		})

	case protocol.KindRegisterKey:
		if in.PublicKey == "" {
			return
		}
		h.hub.SetPublicKey(s.Username, in.PublicKey)
		h.hub.SendTo(s.Username, protocol.Outbound{
			Type:    protocol.TypeKeyRegistered,
			Message: "Public key registered successfully",
		})
		h.broadcastUsersList()

	case protocol.KindPrivate:
		h.handlePrivate(s, in)

	case protocol.KindGetRooms:
		h.hub.SendTo(s.Username, protocol.Outbound{
			Type:  protocol.TypeRoomsList,
			Rooms: h.hub.Rooms(),
		})

	case protocol.KindGetRoomUsers:
		roster, ok := h.hub.RoomMembers(in.RoomName)
		if !ok {
			h.sendError(s.Username, fmt.Sprintf("Room %s not found", in.RoomName))
			return
		}
		h.hub.SendTo(s.Username, protocol.Outbound{
			Type:     protocol.TypeRoomUsersList,
			RoomName: in.RoomName,
			Users:    roster,
		})

	case protocol.KindJoinRoom:
		h.joinRoom(s, in.RoomName)

	case protocol.KindLeaveRoom:
		h.leaveRoom(s, in.RoomName)

	default:
		// Plain text: a slash command or room-scoped chat.
		content := strings.TrimSpace(in.Content)
		if content == "" {
			return
		}
		if strings.HasPrefix(content, "/") {
			h.runCommand(s, content)
			return
		}
		h.handleChat(s, content, in.Room)
	}
}

func (h *Handler) handlePrivate(s *core.Session, in protocol.Inbound) {
	if in.RecipientUsername == "" || in.EncryptedContent == "" {
		h.sendError(s.Username, "Recipient and encrypted content are required")
		return
	}
	if err := h.hub.AllowMessage(s.Username); err != nil {
		h.sendError(s.Username, err.Error())
		return
	}
	delivered := h.hub.SendTo(in.RecipientUsername, protocol.Outbound{
		Type:             protocol.TypePrivateMessage,
		FromUsername:     s.Username,
		EncryptedContent: in.EncryptedContent,
		Timestamp:        now(),
		IsAdmin:          h.hub.IsAdmin(s.Username),
	})
	if !delivered {
		h.sendError(s.Username, "User not found or offline")
	}
}

func (h *Handler) handleChat(s *core.Session, content, room string) {
	if room == "" {
		room = catalog.MainRoom
	}
	if !h.hub.IsRoomMember(s.Username, room) {
		h.sendError(s.Username, fmt.Sprintf("You are not a member of room '%s'", room))
		return
	}
	if err := h.hub.AllowMessage(s.Username); err != nil {
		h.sendError(s.Username, err.Error())
		return
	}
	h.hub.BroadcastRoom(room, protocol.Outbound{
		Type:      protocol.TypeMessage,
		Username:  s.Username,
		Content:   content,
		Room:      room,
		Timestamp: now(),
		IsAdmin:   h.hub.IsAdmin(s.Username),
	}, "")
}

func (h *Handler) joinRoom(s *core.Session, room string) {
	room = strings.TrimPrefix(strings.TrimSpace(room), "#")
	if room == "" {
		h.sendError(s.Username, "Room name is required")
		return
	}
	switch err := h.hub.JoinRoom(s.Username, room); {
	case err == nil:
	case errors.Is(err, core.ErrAlreadyIn):
		// Idempotent: confirm without re-announcing.
		h.hub.SendTo(s.Username, protocol.Outbound{
			Type:      protocol.TypeRoomJoined,
			RoomName:  room,
			Message:   fmt.Sprintf("Joined room %s", room),
			Timestamp: now(),
		})
		return
	case errors.Is(err, catalog.ErrRoomNotFound):
		h.sendError(s.Username, fmt.Sprintf("Room %s not found", room))
		return
	default:
		h.sendError(s.Username, err.Error())
		return
	}

	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:      protocol.TypeRoomJoined,
		RoomName:  room,
		Message:   fmt.Sprintf("Joined room %s", room),
		Timestamp: now(),
	})
	h.hub.BroadcastRoom(room, protocol.Outbound{
		Type:      protocol.TypeUserJoinedRoom,
		Username:  s.Username,
		RoomName:  room,
		Message:   fmt.Sprintf("%s joined room %s", s.Username, room),
		Timestamp: now(),
	}, s.Username)
	h.broadcastRoomRoster(room)
}

func (h *Handler) leaveRoom(s *core.Session, room string) {
	room = strings.TrimPrefix(strings.TrimSpace(room), "#")
	if room == "" {
		h.sendError(s.Username, "Room name is required")
		return
	}
	switch err := h.hub.LeaveRoom(s.Username, room); {
	case err == nil:
	case errors.Is(err, catalog.ErrMainRoom):
		h.sendError(s.Username, "Cannot leave the main room")
		return
	case errors.Is(err, core.ErrNotMember):
		h.sendError(s.Username, fmt.Sprintf("You are not a member of room '%s'", room))
		return
	default:
		h.sendError(s.Username, err.Error())
		return
	}
	h.announceLeftRoom(s, room)
}

func (h *Handler) announceLeftRoom(s *core.Session, room string) {
	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:      protocol.TypeRoomLeft,
		RoomName:  room,
		Message:   fmt.Sprintf("Left room %s", room),
		Timestamp: now(),
	})
	h.hub.BroadcastRoom(room, protocol.Outbound{
		Type:      protocol.TypeUserLeftRoom,
		Username:  s.Username,
		RoomName:  room,
		Message:   fmt.Sprintf("%s left room %s", s.Username, room),
		Timestamp: now(),
	}, "")
	h.broadcastRoomRoster(room)
}
