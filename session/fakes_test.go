package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"whatsapp-gateway/types"
)

type fakeCreds struct{ registered bool }

func (c fakeCreds) Registered() bool { return c.registered }

// hookCreds runs onCheck the first time the manager inspects them, which
// happens after the connection is attached and before it dials.
type hookCreds struct {
	once    sync.Once
	onCheck func()
}

func (c *hookCreds) Registered() bool {
	c.once.Do(c.onCheck)
	return true
}

type fakeStore struct {
	mu      sync.Mutex
	creds   map[string]Credentials
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{creds: make(map[string]Credentials)}
}

func (s *fakeStore) Load(_ context.Context, id string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[id]; ok {
		return c, nil
	}
	return fakeCreds{}, nil
}

func (s *fakeStore) Save(_ context.Context, id string, c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = c
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[id]
	return ok
}

func (s *fakeStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

type sentText struct {
	to       string
	text     string
	mentions []string
}

type fakeConn struct {
	events       chan Event
	participants []string
	connectErr   error

	mu        sync.Mutex
	connected bool
	closed    bool
	loggedOut bool
	texts     []sentText
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 32)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return c.connectErr
}

// Close leaves the events channel open so tests can still push into a
// replaced connection.
func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Self() (string, bool) { return "5511888888888", true }

func (c *fakeConn) ResolveRecipient(_ context.Context, to string) (string, error) {
	return to + "@s.whatsapp.net", nil
}

func (c *fakeConn) SendPresence(context.Context, string, Presence) error { return nil }

func (c *fakeConn) SendText(_ context.Context, to, text string, mentions []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, sentText{to: to, text: text, mentions: mentions})
	return "MSG1", nil
}

func (c *fakeConn) SendMedia(context.Context, string, OutgoingMedia) (string, error) {
	return "MSG2", nil
}

func (c *fakeConn) MarkChatRead(context.Context, string) error { return nil }

func (c *fakeConn) GroupParticipants(context.Context, string) ([]string, error) {
	return c.participants, nil
}

func (c *fakeConn) ProfilePictureURL(context.Context) (string, error) {
	return "https://pps.example/avatar.jpg", nil
}

func (c *fakeConn) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *fakeConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.texts...)
}

type fakeConnector struct {
	mu           sync.Mutex
	versionErrs  int
	failConnects int
	openErr      error
	participants []string
	opened       chan *fakeConn
	opens        int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{opened: make(chan *fakeConn, 64)}
}

func (c *fakeConnector) LatestVersion(context.Context) (ProtocolVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versionErrs > 0 {
		c.versionErrs--
		return ProtocolVersion{}, errors.New("no network")
	}
	return ProtocolVersion{2, 3000, 1}, nil
}

func (c *fakeConnector) Open(context.Context, string, Credentials, ProtocolVersion) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.openErr != nil {
		return nil, c.openErr
	}
	conn := newFakeConn()
	conn.participants = c.participants
	if c.failConnects > 0 {
		c.failConnects--
		conn.connectErr = errors.New("websocket handshake failed")
	}
	c.opened <- conn
	return conn, nil
}

func (c *fakeConnector) setOpenErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

func (c *fakeConnector) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-c.opened:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection opened")
		return nil
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.NormalizedEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev types.NormalizedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) ofType(t types.EventType) []types.NormalizedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.NormalizedEvent
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (n *recordingNotifier) waitFor(t *testing.T, typ types.EventType) types.NormalizedEvent {
	t.Helper()
	var found types.NormalizedEvent
	require.Eventually(t, func() bool {
		evs := n.ofType(typ)
		if len(evs) == 0 {
			return false
		}
		found = evs[len(evs)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "no %s event", typ)
	return found
}

type fakeAccounts struct {
	mu       sync.Mutex
	ids      []string
	profiles []Profile
}

func (a *fakeAccounts) ListAccounts(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...), nil
}

func (a *fakeAccounts) UpdateAccount(_ context.Context, p Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = append(a.profiles, p)
	return nil
}

func (a *fakeAccounts) synced() []Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Profile(nil), a.profiles...)
}

type testEnv struct {
	manager   *Manager
	connector *fakeConnector
	store     *fakeStore
	notifier  *recordingNotifier
	accounts  *fakeAccounts
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		connector: newFakeConnector(),
		store:     newFakeStore(),
		notifier:  &recordingNotifier{},
		accounts:  &fakeAccounts{},
	}
	opts := Options{
		Connector: env.connector,
		Store:     env.store,
		Notifier:  env.notifier,
		Accounts:  env.accounts,
		Policy: ReconnectPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		Logger: zerolog.Nop(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	env.manager = NewManager(opts)
	env.manager.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.manager.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) handle(t *testing.T, id string) *Handle {
	t.Helper()
	h, ok := e.manager.Registry().Get(id)
	require.True(t, ok, "no handle for %s", id)
	return h
}

func (e *testEnv) waitState(t *testing.T, id string, want State) *Handle {
	t.Helper()
	var h *Handle
	require.Eventually(t, func() bool {
		var ok bool
		h, ok = e.manager.Registry().Get(id)
		return ok && h.State() == want
	}, 2*time.Second, 5*time.Millisecond, "account %s never reached %s", id, want)
	return h
}
