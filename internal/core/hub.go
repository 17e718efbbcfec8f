// Package core holds the live server state: the session table, the room
// membership indexes, and message fan-out.
//
// All cross-session mutable state lives behind one RWMutex. Fan-out never
// writes to a connection while holding the lock: recipient send channels
// are snapshotted under RLock and the sends happen after release.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"xchat/server/internal/catalog"
	"xchat/server/internal/flood"
	"xchat/server/internal/identity"
	"xchat/server/internal/protocol"
)

const (
	// SendTimeout bounds how long a write to one subscriber may block.
	SendTimeout = 50 * time.Millisecond

	// SweepInterval is how often the liveness sweep runs.
	SweepInterval = 30 * time.Second

	// StaleAfter is how long a session may go without a ping or pong
	// before the sweep reaps it.
	StaleAfter = 75 * time.Second
)

// Errors surfaced to the dispatcher. Texts are user-facing.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrNotMember    = errors.New("not a member of that room")
	ErrAlreadyIn    = errors.New("already a member of that room")
	ErrNoRoomToLeft = errors.New("You are not in any room besides main")
	ErrBadRoomName  = errors.New("Room names may use letters, numbers, underscore, and hyphen (2-20 characters)")
)

// Session is the handle the transport layer keeps for one connection.
type Session struct {
	Username string
	Send     chan protocol.Outbound
	Rooms    []string
}

type sessionState struct {
	name     string // display form
	ip       string
	admin    bool
	joinedAt time.Time
	lastPing time.Time
	pubKey   string
	send     chan protocol.Outbound
	closer   func()
}

// Hub owns all live sessions and the in-memory room projection.
type Hub struct {
	registry *identity.Registry
	limiter  *flood.Limiter
	catalog  *catalog.Store

	mu          sync.RWMutex
	sessions    map[string]*sessionState       // folded identity -> session
	activeRooms map[string]struct{}            // mirror of catalog active rooms
	roomMembers map[string]map[string]struct{} // room -> folded identities
	memberRooms map[string]map[string]uint64   // folded identity -> room -> join stamp
	joinStamp   uint64

	routed atomic.Uint64 // messages fanned out since last Stats
}

// NewHub builds a hub over the given catalog and loads the active-room
// mirror from it.
func NewHub(cat *catalog.Store) (*Hub, error) {
	h := &Hub{
		registry:    identity.NewRegistry(),
		limiter:     flood.NewLimiter(),
		catalog:     cat,
		sessions:    make(map[string]*sessionState),
		activeRooms: make(map[string]struct{}),
		roomMembers: make(map[string]map[string]struct{}),
		memberRooms: make(map[string]map[string]uint64),
	}

	rooms, err := cat.ActiveRooms(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load active rooms: %w", err)
	}
	for _, r := range rooms {
		h.activeRooms[r] = struct{}{}
	}
	slog.Info("hub initialized", "active_rooms", len(h.activeRooms))
	return h, nil
}

// Register reserves an identity (auto-allocated when username is empty),
// creates the session, and rehydrates prior room memberships from the
// catalog plus a forced join to main. closer must abort the transport.
func (h *Hub) Register(username, ip string, sendBuf int, closer func()) (*Session, error) {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	name, err := h.registry.Reserve(strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	prior, err := h.catalog.RoomsOf(ctx, name)
	if err != nil {
		// Memory wins: fall back to main only.
		slog.Error("rehydrate memberships", "user", name, "err", err)
		prior = nil
	}
	if err := h.catalog.Join(ctx, name, catalog.MainRoom); err != nil {
		slog.Error("persist main membership", "user", name, "err", err)
	}

	rooms := []string{catalog.MainRoom}
	for _, r := range prior {
		if r != catalog.MainRoom {
			rooms = append(rooms, r)
		}
	}

	now := time.Now()
	st := &sessionState{
		name:     name,
		ip:       ip,
		joinedAt: now,
		lastPing: now,
		send:     make(chan protocol.Outbound, sendBuf),
		closer:   closer,
	}

	h.mu.Lock()
	key := fold(name)
	h.sessions[key] = st
	joined := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if _, active := h.activeRooms[r]; !active {
			continue
		}
		h.attachLocked(key, r)
		joined = append(joined, r)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	slog.Info("session registered", "user", name, "ip", ip, "rooms", joined, "total_sessions", count)
	return &Session{Username: name, Send: st.send, Rooms: joined}, nil
}

// Unregister drains a session's entire footprint: indexes, identity
// reservation, flood window, public key. Idempotent. Returns the rooms the
// session was in so callers can rebroadcast rosters.
func (h *Hub) Unregister(username string) (rooms []string, ok bool) {
	key := fold(username)

	h.mu.Lock()
	st, exists := h.sessions[key]
	if !exists {
		h.mu.Unlock()
		return nil, false
	}
	delete(h.sessions, key)
	for r := range h.memberRooms[key] {
		rooms = append(rooms, r)
		if m := h.roomMembers[r]; m != nil {
			delete(m, key)
		}
	}
	delete(h.memberRooms, key)
	remaining := len(h.sessions)
	h.mu.Unlock()

	h.registry.Release(st.name)
	h.limiter.Forget(key)
	close(st.send)

	sort.Strings(rooms)
	slog.Info("session unregistered", "user", st.name, "remaining_sessions", remaining)
	return rooms, true
}

// Rename atomically swaps the identity across the registry, session table,
// room indexes, and flood window. The catalog rewrite happens after the
// in-memory swap; on failure memory wins and the error is only logged.
func (h *Hub) Rename(old, new string) error {
	if err := h.registry.Rename(old, new); err != nil {
		return err
	}
	oldKey, newKey := fold(old), fold(new)

	h.mu.Lock()
	st, exists := h.sessions[oldKey]
	if !exists {
		h.mu.Unlock()
		// Roll the reservation back; the session vanished mid-rename.
		if rbErr := h.registry.Rename(new, old); rbErr != nil {
			slog.Error("rename rollback failed", "old", old, "new", new, "err", rbErr)
		}
		return ErrUserNotFound
	}
	st.name = new
	if oldKey != newKey {
		delete(h.sessions, oldKey)
		h.sessions[newKey] = st
		if stamps, ok := h.memberRooms[oldKey]; ok {
			h.memberRooms[newKey] = stamps
			delete(h.memberRooms, oldKey)
			for r := range stamps {
				if m := h.roomMembers[r]; m != nil {
					delete(m, oldKey)
					m[newKey] = struct{}{}
				}
			}
		}
	}
	h.mu.Unlock()

	h.limiter.Rename(oldKey, newKey)
	if err := h.catalog.RenameUser(context.Background(), old, new); err != nil {
		slog.Error("persist rename", "old", old, "new", new, "err", err)
	}
	slog.Info("session renamed", "old", old, "new", new)
	return nil
}

// SetAdmin marks a session as elevated. Elevation is sticky for the
// session's lifetime.
func (h *Hub) SetAdmin(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[fold(username)]
	if !ok {
		return false
	}
	st.admin = true
	return true
}

// IsAdmin reports whether the session is elevated.
func (h *Hub) IsAdmin(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.sessions[fold(username)]
	return ok && st.admin
}

// SetPublicKey stores or overwrites the session's registered public key.
func (h *Hub) SetPublicKey(username, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[fold(username)]
	if !ok {
		return false
	}
	st.pubKey = key
	return true
}

// Touch records transport liveness for the session.
func (h *Hub) Touch(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[fold(username)]; ok {
		st.lastPing = time.Now()
	}
}

// Info returns the admin-facing detail record for a user.
func (h *Hub) Info(username string) (protocol.UserInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.sessions[fold(username)]
	if !ok {
		return protocol.UserInfo{}, false
	}
	return protocol.UserInfo{
		Username: st.name,
		IP:       st.ip,
		IsAdmin:  st.admin,
		JoinedAt: st.joinedAt.Format(time.RFC3339),
	}, true
}

// AllowMessage applies the flood window to a user-originated message.
// Admins bypass the window entirely.
func (h *Hub) AllowMessage(username string) error {
	if h.IsAdmin(username) {
		return nil
	}
	return h.limiter.Allow(fold(username))
}

// JoinRoom adds a live membership. The active-room check runs against the
// in-memory mirror; the catalog write is best-effort (memory wins).
func (h *Hub) JoinRoom(username, room string) error {
	key := fold(username)

	h.mu.Lock()
	if _, ok := h.sessions[key]; !ok {
		h.mu.Unlock()
		return ErrUserNotFound
	}
	if _, active := h.activeRooms[room]; !active {
		h.mu.Unlock()
		return catalog.ErrRoomNotFound
	}
	if _, member := h.memberRooms[key][room]; member {
		h.mu.Unlock()
		return ErrAlreadyIn
	}
	h.attachLocked(key, room)
	h.mu.Unlock()

	if err := h.catalog.Join(context.Background(), username, room); err != nil {
		slog.Error("persist room join", "user", username, "room", room, "err", err)
	}
	return nil
}

// LeaveRoom removes a live membership. Leaving main is refused.
func (h *Hub) LeaveRoom(username, room string) error {
	if room == catalog.MainRoom {
		return catalog.ErrMainRoom
	}
	key := fold(username)

	h.mu.Lock()
	if _, ok := h.sessions[key]; !ok {
		h.mu.Unlock()
		return ErrUserNotFound
	}
	if _, member := h.memberRooms[key][room]; !member {
		h.mu.Unlock()
		return ErrNotMember
	}
	h.detachLocked(key, room)
	h.mu.Unlock()

	if err := h.catalog.Leave(context.Background(), username, room); err != nil {
		slog.Error("persist room leave", "user", username, "room", room, "err", err)
	}
	return nil
}

// LeaveLast leaves the most recently joined non-main room and returns its
// name. Selection and detach happen in one critical section so a concurrent
// join cannot change which room is most recent between the two.
func (h *Hub) LeaveLast(username string) (string, error) {
	key := fold(username)

	h.mu.Lock()
	if _, ok := h.sessions[key]; !ok {
		h.mu.Unlock()
		return "", ErrUserNotFound
	}
	var (
		last  string
		stamp uint64
	)
	for r, s := range h.memberRooms[key] {
		if r == catalog.MainRoom {
			continue
		}
		if s >= stamp {
			last, stamp = r, s
		}
	}
	if last == "" {
		h.mu.Unlock()
		return "", ErrNoRoomToLeft
	}
	h.detachLocked(key, last)
	h.mu.Unlock()

	if err := h.catalog.Leave(context.Background(), username, last); err != nil {
		slog.Error("persist room leave", "user", username, "room", last, "err", err)
	}
	return last, nil
}

// CreateRoom validates the name, persists the room, and mirrors it in
// memory. A catalog failure rejects the creation (rooms must be durable).
func (h *Hub) CreateRoom(name, creator string) error {
	if err := identity.Validate(name); err != nil {
		return ErrBadRoomName
	}
	if err := h.catalog.Create(context.Background(), name, creator); err != nil {
		return err
	}

	h.mu.Lock()
	h.activeRooms[name] = struct{}{}
	h.mu.Unlock()
	return nil
}

// DeleteRoom persists the soft delete, then eagerly detaches every live
// member. Returns the display names of the detached members.
func (h *Hub) DeleteRoom(name string) ([]string, error) {
	if err := h.catalog.Delete(context.Background(), name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	delete(h.activeRooms, name)
	var detached []string
	for key := range h.roomMembers[name] {
		if st, ok := h.sessions[key]; ok {
			detached = append(detached, st.name)
		}
		delete(h.memberRooms[key], name)
	}
	delete(h.roomMembers, name)
	h.mu.Unlock()

	sort.Strings(detached)
	return detached, nil
}

// Rooms returns the active rooms, main first, the rest sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rest := make([]string, 0, len(h.activeRooms))
	for r := range h.activeRooms {
		if r != catalog.MainRoom {
			rest = append(rest, r)
		}
	}
	sort.Strings(rest)
	return append([]string{catalog.MainRoom}, rest...)
}

// RoomExists reports whether room is active.
func (h *Hub) RoomExists(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.activeRooms[room]
	return ok
}

// IsRoomMember reports whether the live session is a member of room.
func (h *Hub) IsRoomMember(username, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberRooms[fold(username)][room]
	return ok
}

// RoomsOf returns the live memberships of one session, join order.
func (h *Hub) RoomsOf(username string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stamps := h.memberRooms[fold(username)]
	out := make([]string, 0, len(stamps))
	for r := range stamps {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return stamps[out[i]] < stamps[out[j]] })
	return out
}

// RoomMembers returns the roster of live sessions in room.
func (h *Hub) RoomMembers(room string) ([]protocol.User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, active := h.activeRooms[room]; !active {
		return nil, false
	}
	out := make([]protocol.User, 0, len(h.roomMembers[room]))
	for key := range h.roomMembers[room] {
		if st, ok := h.sessions[key]; ok {
			out = append(out, toUser(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, true
}

// UsersSnapshot returns a stable ordered roster of all live sessions.
func (h *Hub) UsersSnapshot() []protocol.User {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]protocol.User, 0, len(h.sessions))
	for _, st := range h.sessions {
		out = append(out, toUser(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SendTo delivers one frame to one session.
func (h *Hub) SendTo(username string, msg protocol.Outbound) bool {
	h.mu.RLock()
	st, ok := h.sessions[fold(username)]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if trySend(st.send, msg) {
		h.routed.Add(1)
		return true
	}
	return false
}

// Broadcast delivers one frame to every live session except exceptUser.
func (h *Hub) Broadcast(msg protocol.Outbound, exceptUser string) {
	exceptKey := fold(exceptUser)

	h.mu.RLock()
	targets := make([]chan protocol.Outbound, 0, len(h.sessions))
	for key, st := range h.sessions {
		if exceptUser != "" && key == exceptKey {
			continue
		}
		targets = append(targets, st.send)
	}
	h.mu.RUnlock()

	h.fanOut(targets, msg)
}

// BroadcastRoom delivers one frame to every live member of room.
func (h *Hub) BroadcastRoom(room string, msg protocol.Outbound, exceptUser string) {
	exceptKey := fold(exceptUser)

	h.mu.RLock()
	targets := make([]chan protocol.Outbound, 0, len(h.roomMembers[room]))
	for key := range h.roomMembers[room] {
		if exceptUser != "" && key == exceptKey {
			continue
		}
		if st, ok := h.sessions[key]; ok {
			targets = append(targets, st.send)
		}
	}
	h.mu.RUnlock()

	h.fanOut(targets, msg)
}

func (h *Hub) fanOut(targets []chan protocol.Outbound, msg protocol.Outbound) {
	sent := 0
	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		}
	}
	h.routed.Add(uint64(sent))
	slog.Debug("fan-out", "type", msg.Type, "recipients", sent, "targets", len(targets))
}

// Close aborts a session's transport. The pending frames in its send
// buffer are flushed by the writer before the connection drops.
func (h *Hub) Close(username string) bool {
	h.mu.RLock()
	st, ok := h.sessions[fold(username)]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if st.closer != nil {
		st.closer()
	}
	return true
}

// Stats returns the live session count and the number of frames routed
// since the previous call.
func (h *Hub) Stats() (sessions int, routed uint64) {
	return h.SessionCount(), h.routed.Swap(0)
}

// RunSweeper reaps sessions whose transport has gone quiet. It complements
// the per-connection websocket ping/pong keepalive.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	cutoff := time.Now().Add(-StaleAfter)

	h.mu.RLock()
	var stale []*sessionState
	for _, st := range h.sessions {
		if st.lastPing.Before(cutoff) {
			stale = append(stale, st)
		}
	}
	h.mu.RUnlock()

	for _, st := range stale {
		slog.Warn("reaping stale session", "user", st.name, "last_ping", st.lastPing)
		if st.closer != nil {
			st.closer()
		}
	}
}

func (h *Hub) attachLocked(key, room string) {
	if h.roomMembers[room] == nil {
		h.roomMembers[room] = make(map[string]struct{})
	}
	h.roomMembers[room][key] = struct{}{}
	if h.memberRooms[key] == nil {
		h.memberRooms[key] = make(map[string]uint64)
	}
	h.joinStamp++
	h.memberRooms[key][room] = h.joinStamp
}

func (h *Hub) detachLocked(key, room string) {
	if m := h.roomMembers[room]; m != nil {
		delete(m, key)
	}
	if m := h.memberRooms[key]; m != nil {
		delete(m, room)
	}
}

func toUser(st *sessionState) protocol.User {
	return protocol.User{
		Username:  st.name,
		IP:        st.ip,
		IsAdmin:   st.admin,
		JoinedAt:  st.joinedAt.Format(time.RFC3339),
		PublicKey: st.pubKey,
	}
}

func fold(name string) string {
	return strings.ToLower(name)
}

func trySend(ch chan protocol.Outbound, msg protocol.Outbound) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
