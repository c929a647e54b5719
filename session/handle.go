package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type State int

const (
	StateInitializing State = iota
	StateAwaitingQR
	StateAuthenticated
	StateReady
	StateDisconnected
	StateDestroyed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingQR:
		return "awaiting_qr"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether a session in this state is still trying to serve
// the account.
func (s State) Live() bool {
	return s != StateDestroyed && s != StateFailed
}

// Handle is one account's live or pending connection. A reconnection
// creates a new Handle; a Handle and its connection are never reused.
type Handle struct {
	AccountID string

	ctx    context.Context
	cancel context.CancelFunc

	mutex         sync.RWMutex
	state         State
	ready         bool
	lastQR        string
	conn          Conn
	attempt       int
	backoff       *backoff.ExponentialBackOff
	retired       bool
	profileSynced bool
	updatedAt     time.Time
}

// Snapshot is a point-in-time copy of a Handle's observable fields.
type Snapshot struct {
	AccountID string
	State     State
	Ready     bool
	QR        string
	Attempt   int
	UpdatedAt time.Time
}

func newHandle(parent context.Context, accountID string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		AccountID: accountID,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateInitializing,
		updatedAt: time.Now(),
	}
}

// successor creates the handle that replaces h after a transient
// disconnect, carrying the reconnect budget forward.
func (h *Handle) successor(parent context.Context) *Handle {
	next := newHandle(parent, h.AccountID)
	h.mutex.RLock()
	next.attempt = h.attempt
	next.backoff = h.backoff
	h.mutex.RUnlock()
	return next
}

func (h *Handle) Snapshot() Snapshot {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return Snapshot{
		AccountID: h.AccountID,
		State:     h.state,
		Ready:     h.ready,
		QR:        h.lastQR,
		Attempt:   h.attempt,
		UpdatedAt: h.updatedAt,
	}
}

func (h *Handle) State() State {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.state
}

func (h *Handle) Ready() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.ready
}

// Conn returns the live connection, or ErrNotConnected.
func (h *Handle) Conn() (Conn, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.conn == nil || h.retired {
		return nil, ErrNotConnected
	}
	return h.conn, nil
}

func (h *Handle) Context() context.Context {
	return h.ctx
}

func (h *Handle) setState(s State) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.state = s
	h.ready = s == StateReady
	if h.ready {
		h.lastQR = ""
	}
	h.updatedAt = time.Now()
}

func (h *Handle) setQR(code string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.lastQR = code
	h.state = StateAwaitingQR
	h.ready = false
	h.updatedAt = time.Now()
}

// attach hands conn to the handle. It fails if the handle was retired in
// the meantime; the caller then owns conn and must close it.
func (h *Handle) attach(conn Conn) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.retired {
		return false
	}
	h.conn = conn
	return true
}

// advance moves an active handle to s. A retired handle keeps its state.
func (h *Handle) advance(s State) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.retired {
		return false
	}
	h.state = s
	h.ready = s == StateReady
	h.updatedAt = time.Now()
	return true
}

func (h *Handle) isRetired() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.retired
}

// retire marks the handle as finished. Only the first caller gets true, so
// a disconnect is handled once even if reported twice.
func (h *Handle) retire() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.retired {
		return false
	}
	h.retired = true
	return true
}

// release cancels the handle scope and closes its connection.
func (h *Handle) release() {
	h.cancel()
	h.mutex.Lock()
	conn := h.conn
	h.conn = nil
	h.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// nextDelay advances the reconnect budget and returns the attempt number
// and the wait before it.
func (h *Handle) nextDelay(policy ReconnectPolicy) (int, time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.backoff == nil {
		h.backoff = policy.newBackOff()
	}
	h.attempt++
	return h.attempt, h.backoff.NextBackOff()
}

func (h *Handle) resetBudget() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.attempt = 0
	if h.backoff != nil {
		h.backoff.Reset()
	}
}

// claimProfileSync returns true exactly once per handle.
func (h *Handle) claimProfileSync() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.profileSynced {
		return false
	}
	h.profileSynced = true
	return true
}
