package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"xchat/server/internal/catalog"
	"xchat/server/internal/core"
	"xchat/server/internal/protocol"
)

// command is one slash-command table entry.
type command struct {
	adminOnly bool
	usage     string // sent when a required argument is missing
	handler   func(h *Handler, s *core.Session, arg string)
}

// commands maps a command name (without the slash) to its handler.
var commands = map[string]command{
	"changeuname": {usage: "Usage: /changeuname <new_username>", handler: (*Handler).cmdChangeUsername},
	"admin":       {usage: "Usage: /admin <password>", handler: (*Handler).cmdAdmin},
	"kick":        {adminOnly: true, usage: "Usage: /kick <username>", handler: (*Handler).cmdKick},
	"ban":         {adminOnly: true, usage: "Usage: /ban <username>", handler: (*Handler).cmdBan},
	"userinfo":    {adminOnly: true, usage: "Usage: /userinfo <username>", handler: (*Handler).cmdUserInfo},
	"join":        {usage: "Usage: /join <#room>", handler: (*Handler).cmdJoin},
	"left":        {handler: (*Handler).cmdLeft},
	"createroom":  {adminOnly: true, usage: "Usage: /createroom <room>", handler: (*Handler).cmdCreateRoom},
	"deleteroom":  {adminOnly: true, usage: "Usage: /deleteroom <room>", handler: (*Handler).cmdDeleteRoom},
	"help":        {handler: (*Handler).cmdHelp},
}

const helpText = "Commands: /admin <password>, /changeuname <new_username>, " +
	"/kick <username>, /ban <username>, /userinfo <username>, " +
	"/join <#room>, /left, /createroom <room>, /deleteroom <room>, /help"

// runCommand parses a "/name arg" content line and invokes the handler.
func (h *Handler) runCommand(s *core.Session, content string) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(content, "/"), " ")
	cmd, ok := commands[name]
	if !ok {
		h.sendError(s.Username, "Unknown command. Type /help for available commands")
		return
	}
	if cmd.adminOnly && !h.hub.IsAdmin(s.Username) {
		h.sendError(s.Username, "Admin privileges required")
		return
	}
	arg = strings.TrimSpace(arg)
	if arg == "" && cmd.usage != "" {
		h.sendError(s.Username, cmd.usage)
		return
	}
	cmd.handler(h, s, arg)
}

func (h *Handler) cmdChangeUsername(s *core.Session, arg string) {
	old := s.Username
	if err := h.hub.Rename(old, arg); err != nil {
		h.sendError(old, fmt.Sprintf("Cannot change username: %s", err))
		return
	}
	s.Username = arg

	h.hub.SendTo(arg, protocol.Outbound{
		Type:        protocol.TypeUsernameChanged,
		OldUsername: old,
		NewUsername: arg,
		Message:     fmt.Sprintf("Username changed to %s", arg),
	})
	h.hub.Broadcast(protocol.Outbound{
		Type:        protocol.TypeUserRenamed,
		OldUsername: old,
		NewUsername: arg,
		Message:     fmt.Sprintf("%s changed username to %s", old, arg),
		Timestamp:   now(),
	}, arg)
	h.broadcastUsersList()
	slog.Info("username changed", "old", old, "new", arg)
}

func (h *Handler) cmdAdmin(s *core.Session, arg string) {
	if !h.secrets.Verify(arg) {
		h.sendError(s.Username, "Invalid admin password")
		return
	}
	h.hub.SetAdmin(s.Username)
	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:    protocol.TypeAdminSuccess,
		Message: "Admin privileges granted",
	})
	h.broadcastUsersList()
	slog.Info("admin elevated", "user", s.Username)
}

func (h *Handler) cmdUserInfo(s *core.Session, arg string) {
	info, ok := h.hub.Info(arg)
	if !ok {
		h.sendError(s.Username, fmt.Sprintf("User %s not found", arg))
		return
	}
	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:   protocol.TypeUserInfo,
		Target: info.Username,
		Info:   &info,
	})
}

func (h *Handler) cmdKick(s *core.Session, arg string) {
	target, ok := h.hub.Info(arg)
	if !ok {
		h.sendError(s.Username, fmt.Sprintf("User %s not found", arg))
		return
	}

	// The terminal frame is queued before cleanup closes the send
	// channel, so the writer flushes it before dropping the socket.
	h.hub.SendTo(target.Username, protocol.Outbound{
		Type:    protocol.TypeKicked,
		Message: fmt.Sprintf("You have been kicked by %s", s.Username),
	})
	h.hub.Broadcast(protocol.Outbound{
		Type:      protocol.TypeUserKicked,
		Message:   fmt.Sprintf("%s was kicked by %s", target.Username, s.Username),
		Timestamp: now(),
	}, target.Username)
	h.cleanup(target.Username)
	slog.Info("user kicked", "target", target.Username, "by", s.Username)
}

func (h *Handler) cmdBan(s *core.Session, arg string) {
	target, ok := h.hub.Info(arg)
	if !ok {
		h.sendError(s.Username, fmt.Sprintf("User %s not found", arg))
		return
	}

	// Memory wins: the ban is live even if the file rewrite fails.
	if err := h.bans.Add(target.IP); err != nil {
		slog.Error("ban persistence failed", "ip", target.IP, "err", err)
	}

	h.hub.SendTo(target.Username, protocol.Outbound{
		Type:    protocol.TypeBanned,
		Message: fmt.Sprintf("You have been banned by %s", s.Username),
	})
	h.cleanup(target.Username)
	h.hub.Broadcast(protocol.Outbound{
		Type:      protocol.TypeUserBanned,
		Message:   fmt.Sprintf("%s was banned by %s", target.Username, s.Username),
		Timestamp: now(),
	}, "")
	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:    protocol.TypeBanSuccess,
		Message: fmt.Sprintf("%s has been banned", target.Username),
	})
	slog.Info("user banned", "target", target.Username, "ip", target.IP, "by", s.Username)
}

func (h *Handler) cmdJoin(s *core.Session, arg string) {
	h.joinRoom(s, arg)
}

func (h *Handler) cmdLeft(s *core.Session, _ string) {
	room, err := h.hub.LeaveLast(s.Username)
	if err != nil {
		h.sendError(s.Username, err.Error())
		return
	}
	h.announceLeftRoom(s, room)
}

func (h *Handler) cmdCreateRoom(s *core.Session, arg string) {
	arg = strings.TrimPrefix(arg, "#")
	if err := h.hub.CreateRoom(arg, s.Username); err != nil {
		h.sendError(s.Username, err.Error())
		return
	}
	h.hub.Broadcast(protocol.Outbound{
		Type:      protocol.TypeRoomCreated,
		RoomName:  arg,
		Message:   fmt.Sprintf("Room %s created by %s", arg, s.Username),
		Timestamp: now(),
	}, "")
	h.hub.Broadcast(protocol.Outbound{
		Type:  protocol.TypeRoomsList,
		Rooms: h.hub.Rooms(),
	}, "")
}

func (h *Handler) cmdDeleteRoom(s *core.Session, arg string) {
	arg = strings.TrimPrefix(arg, "#")
	switch _, err := h.hub.DeleteRoom(arg); {
	case err == nil:
	case errors.Is(err, catalog.ErrMainRoom):
		h.sendError(s.Username, "Cannot delete the main room")
		return
	case errors.Is(err, catalog.ErrRoomNotFound):
		h.sendError(s.Username, fmt.Sprintf("Room %s not found", arg))
		return
	default:
		h.sendError(s.Username, err.Error())
		return
	}
	h.hub.Broadcast(protocol.Outbound{
		Type:      protocol.TypeRoomDeleted,
		RoomName:  arg,
		Message:   fmt.Sprintf("Room %s was deleted by %s", arg, s.Username),
		Timestamp: now(),
	}, "")
	h.hub.Broadcast(protocol.Outbound{
		Type:  protocol.TypeRoomsList,
		Rooms: h.hub.Rooms(),
	}, "")
}

func (h *Handler) cmdHelp(s *core.Session, _ string) {
	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:    protocol.TypeHelp,
		Message: helpText,
	})
}
