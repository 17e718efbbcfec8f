package ws

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xchat/server/internal/admin"
	"xchat/server/internal/ban"
	"xchat/server/internal/catalog"
	"xchat/server/internal/core"
	"xchat/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type testServer struct {
	url     string
	hub     *core.Hub
	bans    *ban.Store
	secrets *admin.Rotator
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	bans, err := ban.Open(filepath.Join(dir, "banned.txt"))
	if err != nil {
		t.Fatalf("open ban store: %v", err)
	}
	secrets, err := admin.New(filepath.Join(dir, "admin.txt"))
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}
	hub, err := core.NewHub(cat)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	e := echo.New()
	NewHandler(hub, bans, secrets).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	return &testServer{
		url:     "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		hub:     hub,
		bans:    bans,
		secrets: secrets,
	}
}

func dial(t *testing.T, srv *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(srv.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func connectClient(t *testing.T, srv *testServer, username string) (*websocket.Conn, protocol.Outbound) {
	t.Helper()
	conn := dial(t, srv)
	writeMsg(t, conn, protocol.Inbound{MessageType: protocol.KindRegister, Username: username})
	welcome := readUntil(t, conn, func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeWelcome
	})
	return conn, welcome
}

func writeMsg(t *testing.T, conn *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write %+v: %v", in, err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Outbound) bool) protocol.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m protocol.Outbound
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read until match: %v", err)
		}
		if match(m) {
			return m
		}
	}
}

// expectClosed drains frames until the server closes the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m protocol.Outbound
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
	}
}

func TestRegisterDefaultUsername(t *testing.T) {
	srv := startTestServer(t)

	_, welcome := connectClient(t, srv, "")
	if welcome.Username != "xsukax0001" {
		t.Fatalf("auto username: got %q, want xsukax0001", welcome.Username)
	}
	if welcome.Message != "Connected as xsukax0001" {
		t.Fatalf("welcome message: got %q", welcome.Message)
	}
	if len(welcome.Rooms) != 1 || welcome.Rooms[0] != "main" {
		t.Fatalf("welcome rooms: got %v, want [main]", welcome.Rooms)
	}
}

func TestMustRegisterFirst(t *testing.T) {
	srv := startTestServer(t)
	conn := dial(t, srv)

	writeMsg(t, conn, protocol.Inbound{Content: "hello"})
	got := readUntil(t, conn, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Must register first" {
		t.Fatalf("pre-register error: got %q", got.Message)
	}

	// The connection survives; registering afterwards still works.
	writeMsg(t, conn, protocol.Inbound{MessageType: protocol.KindRegister, Username: "alice"})
	readUntil(t, conn, func(m protocol.Outbound) bool { return m.Type == protocol.TypeWelcome })
}

func TestRegisterInvalidUsernameClosesConnection(t *testing.T) {
	srv := startTestServer(t)
	conn := dial(t, srv)

	writeMsg(t, conn, protocol.Inbound{MessageType: protocol.KindRegister, Username: "bad name"})
	got := readUntil(t, conn, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if !strings.HasPrefix(got.Message, "Invalid username:") {
		t.Fatalf("error text: got %q", got.Message)
	}
	expectClosed(t, conn)
}

func TestRenameCollision(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, bob, protocol.Inbound{Content: "/changeuname alice"})
	got := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Cannot change username: Username is already taken" {
		t.Fatalf("collision error: got %q", got.Message)
	}
}

func TestRenameBroadcasts(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/changeuname alicia"})

	changed := readUntil(t, alice, func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeUsernameChanged
	})
	if changed.OldUsername != "alice" || changed.NewUsername != "alicia" {
		t.Fatalf("username_changed payload: %+v", changed)
	}
	renamed := readUntil(t, bob, func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeUserRenamed
	})
	if renamed.NewUsername != "alicia" || renamed.Timestamp == "" {
		t.Fatalf("user_renamed payload: %+v", renamed)
	}

	// Messages after the rename carry the new identity.
	writeMsg(t, alice, protocol.Inbound{Content: "hello"})
	msg := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeMessage })
	if msg.Username != "alicia" {
		t.Fatalf("post-rename sender: got %q, want alicia", msg.Username)
	}
}

func TestFloodProtection(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	for i := 0; i < 30; i++ {
		writeMsg(t, alice, protocol.Inbound{Content: "spam"})
	}
	writeMsg(t, alice, protocol.Inbound{Content: "one too many"})

	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Flood protection: You are sending messages too quickly. Please wait before sending more." {
		t.Fatalf("flood error: got %q", got.Message)
	}
}

func TestAdminElevationAndKick(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	// Wrong secret is rejected.
	writeMsg(t, bob, protocol.Inbound{Content: "/admin wrong-secret"})
	got := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Invalid admin password" {
		t.Fatalf("bad secret error: got %q", got.Message)
	}

	// Kick before elevation is refused.
	writeMsg(t, bob, protocol.Inbound{Content: "/kick alice"})
	got = readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Admin privileges required" {
		t.Fatalf("authz error: got %q", got.Message)
	}

	writeMsg(t, bob, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })

	writeMsg(t, bob, protocol.Inbound{Content: "/kick alice"})
	kicked := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeKicked })
	if kicked.Message != "You have been kicked by bob" {
		t.Fatalf("kicked message: got %q", kicked.Message)
	}
	expectClosed(t, alice)

	readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeUserKicked })

	// The kicked identity is released for reuse.
	_, welcome := connectClient(t, srv, "alice")
	if welcome.Username != "alice" {
		t.Fatalf("identity not released after kick: %+v", welcome)
	}
}

func TestAdminBypassesFlood(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })

	for i := 0; i < 40; i++ {
		writeMsg(t, alice, protocol.Inbound{Content: "rapid"})
	}
	// All 40 come back; no error frame interleaves.
	for i := 0; i < 40; i++ {
		got := readUntil(t, alice, func(m protocol.Outbound) bool {
			return m.Type == protocol.TypeMessage || m.Type == protocol.TypeError
		})
		if got.Type == protocol.TypeError {
			t.Fatalf("admin hit flood protection on message %d: %q", i+1, got.Message)
		}
		if !got.IsAdmin {
			t.Fatalf("admin chat not flagged is_admin: %+v", got)
		}
	}
}

func TestRoomLifecycle(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })

	// Non-admins cannot create rooms.
	writeMsg(t, bob, protocol.Inbound{Content: "/createroom lounge"})
	got := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Admin privileges required" {
		t.Fatalf("authz error: got %q", got.Message)
	}

	writeMsg(t, alice, protocol.Inbound{Content: "/createroom lounge"})
	created := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomCreated })
	if created.RoomName != "lounge" || created.Timestamp == "" {
		t.Fatalf("room_created payload: %+v", created)
	}

	writeMsg(t, bob, protocol.Inbound{MessageType: protocol.KindJoinRoom, RoomName: "lounge"})
	joined := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomJoined })
	if joined.RoomName != "lounge" {
		t.Fatalf("room_joined payload: %+v", joined)
	}

	// Chat into the room echoes back to the member.
	writeMsg(t, bob, protocol.Inbound{Content: "anyone here?", Room: "lounge"})
	msg := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeMessage })
	if msg.Room != "lounge" || msg.Username != "bob" {
		t.Fatalf("room chat envelope: %+v", msg)
	}

	// A non-member posting into the room is rejected.
	writeMsg(t, alice, protocol.Inbound{Content: "intruding", Room: "lounge"})
	got = readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "You are not a member of room 'lounge'" {
		t.Fatalf("non-member error: got %q", got.Message)
	}

	writeMsg(t, alice, protocol.Inbound{Content: "/deleteroom lounge"})
	deleted := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomDeleted })
	if deleted.RoomName != "lounge" {
		t.Fatalf("room_deleted payload: %+v", deleted)
	}

	// The deleted name stays reserved.
	writeMsg(t, alice, protocol.Inbound{Content: "/createroom lounge"})
	got = readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Room already exists" {
		t.Fatalf("recreate error: got %q", got.Message)
	}
}

func TestJoinCommandAndLeft(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })
	writeMsg(t, alice, protocol.Inbound{Content: "/createroom lounge"})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomCreated })

	writeMsg(t, alice, protocol.Inbound{Content: "/join #lounge"})
	readUntil(t, alice, func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeRoomJoined && m.RoomName == "lounge"
	})

	writeMsg(t, alice, protocol.Inbound{Content: "/left"})
	left := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomLeft })
	if left.RoomName != "lounge" {
		t.Fatalf("left room: got %q, want lounge", left.RoomName)
	}

	// Only main remains.
	writeMsg(t, alice, protocol.Inbound{Content: "/left"})
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "You are not in any room besides main" {
		t.Fatalf("left error: got %q", got.Message)
	}
}

func TestLeaveMainRefused(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindLeaveRoom, RoomName: "main"})
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Cannot leave the main room" {
		t.Fatalf("leave main error: got %q", got.Message)
	}
}

func TestPrivateRouting(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{
		MessageType:       protocol.KindPrivate,
		RecipientUsername: "bob",
		EncryptedContent:  "b64cipher",
	})
	pm := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypePrivateMessage })
	if pm.FromUsername != "alice" || pm.EncryptedContent != "b64cipher" {
		t.Fatalf("private payload: %+v", pm)
	}
	if pm.IsAdmin {
		t.Fatal("sender is not admin")
	}
	if pm.Timestamp == "" {
		t.Fatal("private_message must carry a timestamp")
	}

	writeMsg(t, alice, protocol.Inbound{
		MessageType:       protocol.KindPrivate,
		RecipientUsername: "ghost",
		EncryptedContent:  "b64cipher",
	})
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "User not found or offline" {
		t.Fatalf("unknown recipient error: got %q", got.Message)
	}
}

func TestBannedPeerRejectedAtAdmission(t *testing.T) {
	srv := startTestServer(t)

	if err := srv.bans.Add("127.0.0.1"); err != nil {
		t.Fatalf("seed ban: %v", err)
	}

	conn := dial(t, srv)
	got := readUntil(t, conn, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "You are banned from this server" {
		t.Fatalf("ban rejection: got %q", got.Message)
	}
	expectClosed(t, conn)

	if srv.hub.SessionCount() != 0 {
		t.Fatal("banned peer must never become a session")
	}
}

func TestBanCommand(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, bob, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })

	writeMsg(t, bob, protocol.Inbound{Content: "/ban alice"})
	banned := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeBanned })
	if banned.Message != "You have been banned by bob" {
		t.Fatalf("banned message: got %q", banned.Message)
	}
	expectClosed(t, alice)

	readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeBanSuccess })
	if !srv.bans.Contains("127.0.0.1") {
		t.Fatal("ban store must contain the peer address")
	}

	// Reconnects from the banned address are rejected.
	conn := dial(t, srv)
	got := readUntil(t, conn, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "You are banned from this server" {
		t.Fatalf("post-ban rejection: got %q", got.Message)
	}
}

func TestUserInfoCommand(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })

	writeMsg(t, alice, protocol.Inbound{Content: "/userinfo bob"})
	info := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeUserInfo })
	if info.Target != "bob" || info.Info == nil || info.Info.IP == "" || info.Info.JoinedAt == "" {
		t.Fatalf("user_info payload: %+v", info)
	}

	writeMsg(t, alice, protocol.Inbound{Content: "/userinfo ghost"})
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "User ghost not found" {
		t.Fatalf("unknown target error: got %q", got.Message)
	}
}

func TestRegisterKeyBroadcastsRoster(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindRegisterKey, PublicKey: "PEMDATA"})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeKeyRegistered })

	readUntil(t, bob, func(m protocol.Outbound) bool {
		if m.Type != protocol.TypeUsersList {
			return false
		}
		for _, u := range m.Users {
			if u.Username == "alice" && u.PublicKey == "PEMDATA" {
				return true
			}
		}
		return false
	})
}

func TestGetRoomsAndRoomUsers(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindGetRooms})
	rooms := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomsList })
	if len(rooms.Rooms) != 1 || rooms.Rooms[0] != "main" {
		t.Fatalf("rooms_list: got %v", rooms.Rooms)
	}

	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindGetRoomUsers, RoomName: "main"})
	roster := readUntil(t, alice, func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeRoomUsersList && m.RoomName == "main"
	})
	if len(roster.Users) != 1 || roster.Users[0].Username != "alice" {
		t.Fatalf("room roster: got %+v", roster.Users)
	}

	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindGetRoomUsers, RoomName: "ghost"})
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Room ghost not found" {
		t.Fatalf("unknown room error: got %q", got.Message)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if got.Message != "Invalid message format" {
		t.Fatalf("parse error: got %q", got.Message)
	}

	// The session survives malformed input.
	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindPing})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypePong })
}

func TestHelpAndUnknownCommand(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/help"})
	help := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeHelp })
	if !strings.Contains(help.Message, "/changeuname") || !strings.Contains(help.Message, "/createroom") {
		t.Fatalf("help text: got %q", help.Message)
	}

	writeMsg(t, alice, protocol.Inbound{Content: "/frobnicate now"})
	got := readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeError })
	if !strings.Contains(got.Message, "Unknown command") {
		t.Fatalf("unknown command error: got %q", got.Message)
	}
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	alice.Close()
	left := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeUserLeft })
	if left.Username != "alice" {
		t.Fatalf("user_left payload: %+v", left)
	}
}

func TestRenameThenDisconnectReleasesSession(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{Content: "/changeuname carol"})
	readUntil(t, alice, func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeUsernameChanged
	})

	alice.Close()
	left := readUntil(t, bob, func(m protocol.Outbound) bool { return m.Type == protocol.TypeUserLeft })
	if left.Username != "carol" {
		t.Fatalf("user_left after rename: got %q, want carol", left.Username)
	}

	deadline := time.Now().Add(3 * time.Second)
	for srv.hub.SessionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("renamed session still live after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Both the old and the new identity are reusable again.
	_, welcome := connectClient(t, srv, "carol")
	if welcome.Username != "carol" {
		t.Fatalf("renamed identity not released: %+v", welcome)
	}
	_, welcome = connectClient(t, srv, "alice")
	if welcome.Username != "alice" {
		t.Fatalf("original identity not released: %+v", welcome)
	}
}

func TestPrivateMessageCarriesAdminFlagKey(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")
	defer alice.Close()
	bob, _ := connectClient(t, srv, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Inbound{
		MessageType:       protocol.KindPrivate,
		RecipientUsername: "bob",
		EncryptedContent:  "b64cipher",
	})

	// Inspect the raw frame: is_admin must be present even when false.
	bob.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := bob.ReadMessage()
		if err != nil {
			t.Fatalf("read raw frame: %v", err)
		}
		var m protocol.Outbound
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if m.Type != protocol.TypePrivateMessage {
			continue
		}
		if !strings.Contains(string(raw), `"is_admin":false`) {
			t.Fatalf("private_message missing is_admin key: %s", raw)
		}
		return
	}
}

func TestMembershipRehydratedOnReconnect(t *testing.T) {
	srv := startTestServer(t)

	alice, _ := connectClient(t, srv, "alice")

	writeMsg(t, alice, protocol.Inbound{Content: "/admin " + srv.secrets.Secret()})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeAdminSuccess })
	writeMsg(t, alice, protocol.Inbound{Content: "/createroom lounge"})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomCreated })
	writeMsg(t, alice, protocol.Inbound{MessageType: protocol.KindJoinRoom, RoomName: "lounge"})
	readUntil(t, alice, func(m protocol.Outbound) bool { return m.Type == protocol.TypeRoomJoined })

	alice.Close()
	// Wait for the server to release the identity before reconnecting.
	deadline := time.Now().Add(3 * time.Second)
	for srv.hub.SessionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not reaped after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, welcome := connectClient(t, srv, "alice")
	want := map[string]bool{"main": true, "lounge": true}
	if len(welcome.Rooms) != 2 || !want[welcome.Rooms[0]] || !want[welcome.Rooms[1]] {
		t.Fatalf("rehydrated rooms: got %v, want main and lounge", welcome.Rooms)
	}
}
