package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-gateway/outbound"
	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
)

// fakeGateway stands in for the lifecycle manager and the registry.
type fakeGateway struct {
	mu        sync.Mutex
	snapshots map[string]session.Snapshot
	reinits   []string
	destroyed []string
	seen      [][2]string
	seenErr   error
	sent      []types.OutboundMessage
	result    outbound.Result
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		snapshots: map[string]session.Snapshot{},
		result:    outbound.Result{Result: types.OK("MSG1"), Status: http.StatusOK},
	}
}

func (g *fakeGateway) CreateSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.snapshots[id]; ok {
		return session.ErrConflict
	}
	g.snapshots[id] = session.Snapshot{AccountID: id, State: session.StateInitializing}
	return nil
}

func (g *fakeGateway) ReinitSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reinits = append(g.reinits, id)
	g.snapshots[id] = session.Snapshot{AccountID: id, State: session.StateInitializing}
	return nil
}

func (g *fakeGateway) DestroySession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = append(g.destroyed, id)
	delete(g.snapshots, id)
	return nil
}

func (g *fakeGateway) Logout(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.snapshots[id]; !ok {
		return session.ErrNotFound
	}
	delete(g.snapshots, id)
	return nil
}

func (g *fakeGateway) Snapshot(id string) (session.Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.snapshots[id]
	return s, ok
}

func (g *fakeGateway) Snapshots() []session.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]session.Snapshot, 0, len(g.snapshots))
	for _, id := range []string{"1", "2", "42"} {
		if s, ok := g.snapshots[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (g *fakeGateway) update(id string, fn func(*session.Snapshot)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.snapshots[id]
	fn(&s)
	g.snapshots[id] = s
}

func (g *fakeGateway) Send(_ context.Context, msg types.OutboundMessage) outbound.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, msg)
	return g.result
}

func (g *fakeGateway) MarkSeen(_ context.Context, accountID, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, [2]string{accountID, to})
	return g.seenErr
}

func newTestRouter(g *fakeGateway) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(Deps{
		Sessions:  g,
		Directory: g,
		Sender:    g,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC) },
	})
}

func do(t *testing.T, r http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestRoot(t *testing.T) {
	r := newTestRouter(newFakeGateway())
	code, body := do(t, r, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"cod": float64(0), "msg": "ok"}, body)
}

func TestAdd(t *testing.T) {
	g := newFakeGateway()
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodPost, "/add", `{"conta_id":"42"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body["msg"])

	code, body = do(t, r, http.MethodPost, "/add", `{"conta_id":42}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, map[string]any{"cod": float64(1), "msg": "Conta já cadastrada"}, body)
}

func TestMissingAccountID(t *testing.T) {
	r := newTestRouter(newFakeGateway())
	for _, path := range []string{"/add", "/init", "/seen", "/logout", "/destroy"} {
		code, body := do(t, r, http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.Equal(t, "conta_id obrigatório", body["msg"], path)

		code, _ = do(t, r, http.MethodPost, path, `not json`)
		assert.Equal(t, http.StatusBadRequest, code, path)
	}
}

func TestInit(t *testing.T) {
	g := newFakeGateway()
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodPost, "/init", `{"conta_id":"7"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["cod"])
	assert.Equal(t, []string{"7"}, g.reinits)
}

func TestSeenAlwaysSucceeds(t *testing.T) {
	g := newFakeGateway()
	g.seenErr = errors.New("not connected")
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodPost, "/seen", `{"conta_id":"42","to":"120363"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body["msg"])
	assert.Equal(t, [][2]string{{"42", "120363"}}, g.seen)
}

func TestSend(t *testing.T) {
	g := newFakeGateway()
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodPost, "/send",
		`{"conta_id":42,"to":"5511999999999","type":"media","body":"oi","media":{"mimetype":"image/png","data":"aGk=","filename":"a.png"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"cod": float64(0), "msg": "MSG1"}, body)
	require.Len(t, g.sent, 1)
	assert.Equal(t, types.OutboundMessage{
		AccountID: "42",
		To:        "5511999999999",
		Type:      types.MediaMessage,
		Body:      "oi",
		Media:     &types.Media{Mimetype: "image/png", Data: "aGk=", Filename: "a.png"},
	}, g.sent[0])
}

func TestSendPropagatesPipelineStatus(t *testing.T) {
	g := newFakeGateway()
	g.result = outbound.Result{Result: types.Fail("Conta não encontrado"), Status: http.StatusBadRequest}
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodPost, "/send", `{"conta_id":"9","to":"1","type":"text","body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Conta não encontrado", body["msg"])

	code, body = do(t, r, http.MethodPost, "/send", `{"conta_id":`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Dados obrigatórios ausentes", body["msg"])
}

func TestPing(t *testing.T) {
	g := newFakeGateway()
	g.snapshots["1"] = session.Snapshot{AccountID: "1", Ready: true}
	g.snapshots["2"] = session.Snapshot{AccountID: "2"}
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "09/03/2024 14:05:06", body["hora"])
	assert.Equal(t, []any{
		map[string]any{"conta_id": "1", "pronto": true},
		map[string]any{"conta_id": "2", "pronto": false},
	}, body["contas"])
}

func TestQRLifecycle(t *testing.T) {
	g := newFakeGateway()
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodGet, "/qr/42", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Conta não encontrada", body["msg"])

	code, _ = do(t, r, http.MethodPost, "/add", `{"conta_id":"42"}`)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, r, http.MethodGet, "/qr/42", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "sem_qr", body["status"])

	g.update("42", func(s *session.Snapshot) { s.State, s.QR = session.StateAwaitingQR, "2@abc" })
	code, body = do(t, r, http.MethodGet, "/qr/42", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"cod": float64(0), "qr": "2@abc", "status": "aguardando_qr"}, body)

	g.update("42", func(s *session.Snapshot) { s.State, s.QR, s.Ready = session.StateReady, "", true })
	code, body = do(t, r, http.MethodGet, "/qr/42", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "conectado", body["status"])
	assert.Equal(t, "", body["qr"])
}

func TestLogoutAndDestroy(t *testing.T) {
	g := newFakeGateway()
	r := newTestRouter(g)

	code, body := do(t, r, http.MethodPost, "/logout", `{"conta_id":"42"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Conta não encontrada", body["msg"])

	do(t, r, http.MethodPost, "/add", `{"conta_id":"42"}`)
	code, _ = do(t, r, http.MethodPost, "/logout", `{"conta_id":"42"}`)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodPost, "/destroy", `{"conta_id":"42"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, r, http.MethodPost, "/destroy", `{"conta_id":"42"}`)
	assert.Equal(t, http.StatusOK, code, "destroy is idempotent")
	assert.Equal(t, []string{"42", "42"}, g.destroyed)
}

func TestRequestIDAndMetrics(t *testing.T) {
	r := newTestRouter(newFakeGateway())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Request-ID", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
