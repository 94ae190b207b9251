package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyonlabs/chorus"
)

// fakeStore is an in-memory chorus.ChatStore for fabric tests.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]chorus.User // by id
	rooms   map[string]chorus.Room // by id
	members map[string]map[string]bool
	msgs    []chorus.ChatMessage
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]chorus.User),
		rooms:   make(map[string]chorus.Room),
		members: make(map[string]map[string]bool),
	}
}

func (s *fakeStore) CreateUser(_ context.Context, u chorus.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("duplicate username %q", u.Username)
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) UserByName(_ context.Context, username string) (chorus.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return chorus.User{}, chorus.ErrNotFound
}

func (s *fakeStore) UserByToken(_ context.Context, tokenHash string) (chorus.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TokenHash == tokenHash {
			return u, nil
		}
	}
	return chorus.User{}, chorus.ErrNotFound
}

func (s *fakeStore) ListUsers(_ context.Context) ([]chorus.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chorus.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeStore) CreateRoom(_ context.Context, r chorus.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rooms {
		if existing.Name == r.Name {
			return fmt.Errorf("duplicate room %q", r.Name)
		}
	}
	s.rooms[r.ID] = r
	s.members[r.ID] = map[string]bool{r.CreatedBy: true}
	return nil
}

func (s *fakeStore) RoomByID(_ context.Context, id string) (chorus.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return chorus.Room{}, chorus.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) ListRooms(_ context.Context) ([]chorus.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chorus.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) RoomsFor(_ context.Context, userID string) ([]chorus.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chorus.Room
	for id, members := range s.members {
		if members[userID] {
			out = append(out, s.rooms[id])
		}
	}
	return out, nil
}

func (s *fakeStore) Join(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return chorus.ErrNotFound
	}
	s.members[roomID][userID] = true
	return nil
}

func (s *fakeStore) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[roomID][userID], nil
}

func (s *fakeStore) MembersOf(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.members[roomID] {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) InsertChatMessage(_ context.Context, m chorus.ChatMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.msgs = append(s.msgs, m)
	return m.ID, nil
}

func (s *fakeStore) History(_ context.Context, roomID string, beforeID int64, limit int) ([]chorus.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > chorus.HistoryMaxLimit {
		limit = 50
	}
	var all []chorus.ChatMessage
	for _, m := range s.msgs {
		if m.RoomID == roomID && (beforeID == 0 || m.ID < beforeID) {
			all = append(all, m)
		}
	}
	hasMore := len(all) > limit
	if hasMore {
		all = all[len(all)-limit:]
	}
	return all, hasMore, nil
}

var _ chorus.ChatStore = (*fakeStore)(nil)

func seedUser(t *testing.T, store *fakeStore, username, token string, isBot bool) chorus.User {
	t.Helper()
	u := chorus.User{
		ID:          chorus.NewID(),
		Username:    username,
		DisplayName: username,
		IsBot:       isBot,
		TokenHash:   TokenHash(token),
		CreatedAt:   chorus.NowUnix(),
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return u
}

func seedRoom(t *testing.T, store *fakeStore, name, creatorID string) chorus.Room {
	t.Helper()
	r := chorus.Room{
		ID:        chorus.NewID(),
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: chorus.NowUnix(),
	}
	if err := store.CreateRoom(context.Background(), r); err != nil {
		t.Fatalf("seed room %s: %v", name, err)
	}
	return r
}

func TestTokenHashStable(t *testing.T) {
	a := TokenHash("secret")
	b := TokenHash("secret")
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == TokenHash("other") {
		t.Fatal("distinct tokens hashed equal")
	}
}

func TestHubPresenceEdges(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	u := seedUser(t, store, "ada", "tok-a", false)

	c1 := newConn(u.ID, u.Username, nil)
	c2 := newConn(u.ID, u.Username, nil)

	hub.register(c1)
	if !hub.Online(u.ID) {
		t.Fatal("user should be online after first connection")
	}
	hub.register(c2)
	hub.unregister(c1)
	if !hub.Online(u.ID) {
		t.Fatal("user should stay online with one connection left")
	}
	hub.unregister(c2)
	if hub.Online(u.ID) {
		t.Fatal("user should be offline after last disconnect")
	}
}

func TestHubBroadcastMembersOnly(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	ada := seedUser(t, store, "ada", "tok-a", false)
	bob := seedUser(t, store, "bob", "tok-b", false)
	eve := seedUser(t, store, "eve", "tok-e", false)
	room := seedRoom(t, store, "ops", ada.ID)
	if err := store.Join(context.Background(), room.ID, bob.ID); err != nil {
		t.Fatal(err)
	}

	bobConn := newConn(bob.ID, "bob", nil)
	eveConn := newConn(eve.ID, "eve", nil)
	hub.register(bobConn)
	hub.register(eveConn)

	m, err := hub.PostMessage(context.Background(), room.ID, ada, "hello ops")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("message not assigned an id")
	}

	select {
	case frame := <-bobConn.send:
		var out OutFrame
		if err := json.Unmarshal(frame, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Type != FrameMessage || out.Message == nil || out.Message.Content != "hello ops" {
			t.Fatalf("unexpected frame: %+v", out)
		}
	default:
		t.Fatal("member did not receive the broadcast")
	}
	select {
	case <-eveConn.send:
		t.Fatal("non-member received a room broadcast")
	default:
	}
}

func TestHubSlowConsumerDisconnected(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	ada := seedUser(t, store, "ada", "tok-a", false)
	room := seedRoom(t, store, "ops", ada.ID)

	// Buffer of one and no reader: the second enqueue must evict.
	slow := newConn(ada.ID, "ada", nil)
	slow.send = make(chan []byte, 1)
	hub.register(slow)

	for i := 0; i < 3; i++ {
		if _, err := hub.PostMessage(context.Background(), room.ID, ada, "spam"); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if hub.Online(ada.ID) {
		t.Fatal("slow consumer should have been disconnected")
	}
}

func TestHubFanoutReceivesMessages(t *testing.T) {
	store := newFakeStore()
	got := make(chan chorus.ChatMessage, 1)
	hub := NewHub(store, WithFanout(func(m chorus.ChatMessage) { got <- m }))
	ada := seedUser(t, store, "ada", "tok-a", false)
	room := seedRoom(t, store, "ops", ada.ID)

	if _, err := hub.PostMessage(context.Background(), room.ID, ada, "remember this"); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m.Content != "remember this" {
			t.Fatalf("fanout content = %q", m.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fanout hook never fired")
	}
}

func apiServer(t *testing.T, store *fakeStore) *httptest.Server {
	t.Helper()
	hub := NewHub(store)
	mux := http.NewServeMux()
	NewAPI(hub, store).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func apiDo(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestAPIRejectsBadToken(t *testing.T) {
	store := newFakeStore()
	srv := apiServer(t, store)

	resp, _ := apiDo(t, http.MethodGet, srv.URL+"/rooms", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", resp.StatusCode)
	}
	resp, _ = apiDo(t, http.MethodGet, srv.URL+"/rooms", "nope", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token: got %d", resp.StatusCode)
	}
}

func TestAPIRoomLifecycle(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "botuser", "bot-token", true)
	srv := apiServer(t, store)

	resp, body := apiDo(t, http.MethodPost, srv.URL+"/rooms", "bot-token",
		map[string]any{"name": "ops", "display_name": "Ops"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create room: got %d: %s", resp.StatusCode, body)
	}
	var room chorus.Room
	if err := json.Unmarshal(body, &room); err != nil {
		t.Fatal(err)
	}
	if room.Name != "ops" || room.ID == "" {
		t.Fatalf("unexpected room: %+v", room)
	}

	// Creator is a member, so posting works immediately.
	resp, body = apiDo(t, http.MethodPost, srv.URL+"/rooms/"+room.ID+"/messages", "bot-token",
		map[string]any{"content": "standup in 5"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post message: got %d: %s", resp.StatusCode, body)
	}

	resp, body = apiDo(t, http.MethodGet, srv.URL+"/rooms/"+room.ID+"/messages", "bot-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: got %d", resp.StatusCode)
	}
	var page struct {
		Messages []chorus.ChatMessage `json:"messages"`
		HasMore  bool                 `json:"has_more"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "standup in 5" {
		t.Fatalf("unexpected history: %+v", page)
	}
}

func TestAPIMembershipNotLeaked(t *testing.T) {
	store := newFakeStore()
	ada := seedUser(t, store, "ada", "tok-a", false)
	seedUser(t, store, "eve", "tok-e", false)
	room := seedRoom(t, store, "private", ada.ID)
	srv := apiServer(t, store)

	// Non-member sees 404, same as a nonexistent room.
	resp, _ := apiDo(t, http.MethodGet, srv.URL+"/rooms/"+room.ID+"/messages", "tok-e", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-member history: got %d, want 404", resp.StatusCode)
	}
	resp, _ = apiDo(t, http.MethodPost, srv.URL+"/rooms/"+room.ID+"/messages", "tok-e",
		map[string]any{"content": "let me in"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-member post: got %d, want 404", resp.StatusCode)
	}

	// After joining, access works.
	resp, _ = apiDo(t, http.MethodPost, srv.URL+"/rooms/"+room.ID+"/join", "tok-e", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: got %d", resp.StatusCode)
	}
	resp, _ = apiDo(t, http.MethodGet, srv.URL+"/rooms/"+room.ID+"/messages", "tok-e", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member history: got %d", resp.StatusCode)
	}
}

func TestWebsocketConnectAndMessage(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	ada := seedUser(t, store, "ada", "tok-a", false)
	room := seedRoom(t, store, "ops", ada.ID)

	mux := http.NewServeMux()
	mux.Handle("/ws", NewServer(hub, store))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=tok-a"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var connected OutFrame
	if err := ws.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if connected.Type != FrameConnected {
		t.Fatalf("first frame type = %q, want %q", connected.Type, FrameConnected)
	}
	if connected.User == nil || connected.User.Username != "ada" {
		t.Fatalf("connected user = %+v", connected.User)
	}
	if len(connected.Rooms) != 1 || connected.Rooms[0].ID != room.ID {
		t.Fatalf("connected rooms = %+v", connected.Rooms)
	}

	if err := ws.WriteJSON(InFrame{Type: FrameMessage, RoomID: room.ID, Content: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var echo OutFrame
	if err := ws.ReadJSON(&echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echo.Type != FrameMessage || echo.Message == nil || echo.Message.Content != "hi" {
		t.Fatalf("unexpected echo: %+v", echo)
	}

	// Unknown frame types come back as an error frame.
	if err := ws.WriteJSON(InFrame{Type: "dance"}); err != nil {
		t.Fatal(err)
	}
	var errFrame OutFrame
	if err := ws.ReadJSON(&errFrame); err != nil {
		t.Fatal(err)
	}
	if errFrame.Type != FrameError {
		t.Fatalf("frame type = %q, want error", errFrame.Type)
	}
}

func TestWebsocketRejectsUnknownToken(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	mux := http.NewServeMux()
	mux.Handle("/ws", NewServer(hub, store))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial should fail on a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %+v", resp)
	}
}

func TestDaemonBroadcasterResolvesByName(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	ada := seedUser(t, store, "ada", "tok-a", false)
	daemon := seedUser(t, store, "chorus", "tok-d", true)
	room := seedRoom(t, store, "ops", ada.ID)

	b := NewDaemonBroadcaster(hub, store, daemon)
	if err := b.Broadcast(context.Background(), "ops", "report ready"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	msgs, _, err := store.History(context.Background(), room.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].UserID != daemon.ID {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	member, err := store.IsMember(context.Background(), room.ID, daemon.ID)
	if err != nil || !member {
		t.Fatal("daemon should be joined to the room after first broadcast")
	}

	if err := b.Broadcast(context.Background(), "missing", "x"); err == nil {
		t.Fatal("broadcast to unknown room should fail")
	}
}

func TestClientDialListenBroadcast(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	ada := seedUser(t, store, "ada", "tok-a", false)
	bot := seedUser(t, store, "chorus", "tok-bot", true)
	room := seedRoom(t, store, "ops", ada.ID)
	if err := store.Join(context.Background(), room.ID, bot.ID); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", NewServer(hub, store))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "tok-bot")
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if client.Self().Username != "chorus" {
		t.Fatalf("self = %q", client.Self().Username)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	inbound := make(chan chorus.ChatMessage, 1)
	go client.Listen(ctx, func(room chorus.Room, m chorus.ChatMessage) {
		if room.Name != "ops" {
			t.Errorf("room name = %q", room.Name)
		}
		inbound <- m
	})

	if _, err := hub.PostMessage(context.Background(), room.ID, ada, "status?"); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-inbound:
		if m.Content != "status?" || m.Username != "ada" {
			t.Fatalf("unexpected inbound: %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the broadcast")
	}

	if err := client.Broadcast(context.Background(), "ops", "all green"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, _, err := store.History(context.Background(), room.ID, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 2 && msgs[1].UserID == bot.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bot reply never persisted: %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.Broadcast(context.Background(), "nowhere", "x"); err == nil {
		t.Fatal("broadcast to unknown room should fail")
	}
}
