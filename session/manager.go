package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"whatsapp-gateway/metrics"
	"whatsapp-gateway/types"
	"whatsapp-gateway/utils"
)

// Notifier forwards normalized events to the account backend. Notify must
// not block on network I/O.
type Notifier interface {
	Notify(ctx context.Context, event types.NormalizedEvent)
}

// Profile is the account data pushed to the backend once a session is ready.
type Profile struct {
	AccountID  string
	Phone      string
	PictureURL string
}

// AccountService is the account backend as seen by the lifecycle manager.
type AccountService interface {
	ListAccounts(ctx context.Context) ([]string, error)
	UpdateAccount(ctx context.Context, profile Profile) error
}

// ReconnectPolicy bounds reconnection after transient disconnects.
// MaxAttempts of zero retries forever.
type ReconnectPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2,
	}
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p ReconnectPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

type Options struct {
	Connector Connector
	Store     CredentialStore
	Notifier  Notifier
	// Accounts may be nil, which disables reconciliation and profile sync.
	Accounts AccountService
	Registry *Registry
	Policy   ReconnectPolicy
	// DownloadMedia attaches inbound media to MESSAGE events.
	DownloadMedia bool
	// OnQR is called with every QR code issued, after it is cached.
	OnQR   func(accountID, code string)
	Logger zerolog.Logger
}

// Manager drives every session through its lifecycle: creation,
// reconnection, logout and destruction.
type Manager struct {
	connector     Connector
	store         CredentialStore
	notifier      Notifier
	accounts      AccountService
	registry      *Registry
	policy        ReconnectPolicy
	downloadMedia bool
	onQR          func(accountID, code string)
	log           zerolog.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	after func(time.Duration) <-chan time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Policy.InitialInterval <= 0 {
		opts.Policy.InitialInterval = DefaultReconnectPolicy().InitialInterval
	}
	if opts.Policy.MaxInterval <= 0 {
		opts.Policy.MaxInterval = DefaultReconnectPolicy().MaxInterval
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		connector:     opts.Connector,
		store:         opts.Store,
		notifier:      opts.Notifier,
		accounts:      opts.Accounts,
		registry:      opts.Registry,
		policy:        opts.Policy,
		downloadMedia: opts.DownloadMedia,
		onQR:          opts.OnQR,
		log:           opts.Logger.With().Str("component", "lifecycle").Logger(),
		root:          root,
		cancel:        cancel,
		after:         time.After,
	}
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateSession registers a new session for accountID and starts connecting
// it in the background. It fails with ErrConflict if the account already
// has a live session.
func (m *Manager) CreateSession(ctx context.Context, accountID string) error {
	if accountID == "" {
		return errors.New("empty account id")
	}
	if err := m.root.Err(); err != nil {
		return fmt.Errorf("manager stopped: %w", err)
	}

	h := newHandle(m.root, accountID)
	if err := m.registry.Register(h); err != nil {
		return err
	}
	m.logFor(accountID).Info().Msg("Session created")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(h)
	}()
	return nil
}

// ReinitSession starts a fresh connection for accountID, tearing down the
// current one first. Stored credentials are kept.
func (m *Manager) ReinitSession(ctx context.Context, accountID string) error {
	if h, ok := m.registry.Get(accountID); ok {
		m.registry.RemoveHandle(h)
		h.retire()
		h.release()
		m.logFor(accountID).Info().Str("state", h.State().String()).Msg("Session re-initializing")
	}
	err := m.CreateSession(ctx, accountID)
	if errors.Is(err, ErrConflict) {
		// Another caller won the race and a fresh session exists.
		return nil
	}
	return err
}

// DestroySession closes and forgets the account's session. It is a no-op
// for unknown accounts.
func (m *Manager) DestroySession(ctx context.Context, accountID string) error {
	h, ok := m.registry.Get(accountID)
	if !ok {
		return nil
	}
	if !m.registry.RemoveHandle(h) {
		return nil
	}
	h.retire()
	h.release()
	h.setState(StateDestroyed)
	m.logFor(accountID).Info().Msg("Session destroyed")

	m.emit(ctx, accountID, types.EventDisconnected, map[string]any{"body": "Sessão encerrada"})
	return nil
}

// Logout unlinks the device from the account, purges its credentials and
// destroys the session.
func (m *Manager) Logout(ctx context.Context, accountID string) error {
	h, ok := m.registry.Get(accountID)
	if !ok {
		return ErrNotFound
	}
	log := m.logFor(accountID)
	if conn, err := h.Conn(); err == nil {
		if err := conn.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("Logout request failed, purging credentials anyway")
		}
	}
	if err := m.store.Delete(ctx, accountID); err != nil {
		log.Error().Err(err).Msg("Failed to delete credentials")
	}
	return m.DestroySession(ctx, accountID)
}

// Shutdown closes every connection without touching stored credentials and
// waits for background work to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for _, h := range m.registry.List() {
		h.retire()
		h.release()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect runs the asynchronous half of session creation for h.
func (m *Manager) connect(h *Handle) {
	log := m.logFor(h.AccountID)
	ctx := h.Context()

	version, err := m.latestVersion(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Could not fetch protocol version")
		m.fail(h, fmt.Sprintf("Falha ao obter versão do protocolo: %v", err))
		return
	}

	creds, err := m.store.Load(ctx, h.AccountID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Could not load credentials")
		m.fail(h, fmt.Sprintf("Falha ao carregar credenciais: %v", err))
		return
	}

	conn, err := m.connector.Open(ctx, h.AccountID, creds, version)
	if err != nil {
		m.handleDisconnect(h, DisconnectedEvent{Reason: ReasonTransient, Cause: err.Error()})
		return
	}
	if !h.attach(conn) {
		conn.Close()
		return
	}
	if creds != nil && creds.Registered() && h.advance(StateAuthenticated) {
		m.registry.PublishMetrics()
	}
	// Destroyed or re-initialized while opening; release already closed conn.
	if h.isRetired() {
		return
	}

	// The handle is registered and attached before the bridge drains the
	// first event.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.bridge(h, conn)
	}()

	if err := conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Connect failed")
		m.handleDisconnect(h, DisconnectedEvent{Reason: ReasonTransient, Cause: err.Error()})
	}
}

func (m *Manager) latestVersion(ctx context.Context) (ProtocolVersion, error) {
	var version ProtocolVersion
	cfg := &utils.RetryConfig{
		InitialInterval: m.policy.InitialInterval,
		MaxInterval:     m.policy.MaxInterval,
	}
	if m.policy.MaxAttempts > 0 {
		cfg.MaxAttempts = uint64(m.policy.MaxAttempts)
	}
	err := utils.WithRetry(ctx, func() error {
		v, err := m.connector.LatestVersion(ctx)
		if err != nil {
			m.log.Debug().Err(err).Msg("Protocol version fetch failed, retrying")
			return err
		}
		version = v
		return nil
	}, cfg)
	return version, err
}

// handleDisconnect applies the reconnection policy to a dropped handle.
func (m *Manager) handleDisconnect(h *Handle, ev DisconnectedEvent) {
	if !h.retire() {
		return
	}
	log := m.logFor(h.AccountID).With().
		Str("reason", ev.Reason.String()).
		Str("cause", ev.Cause).
		Logger()

	if !m.registry.Current(h) {
		h.release()
		return
	}

	if ev.Reason.Terminal() {
		h.release()
		ctx, cancel := context.WithTimeout(m.root, 10*time.Second)
		defer cancel()
		if err := m.store.Delete(ctx, h.AccountID); err != nil {
			log.Error().Err(err).Msg("Failed to delete credentials")
		}
		h.setState(StateDestroyed)
		m.registry.RemoveHandle(h)
		metrics.Reconnect("terminal")
		log.Warn().Msg("Session ended permanently")
		m.emit(ctx, h.AccountID, types.EventDisconnected, map[string]any{"body": ev.Reason.Message()})
		return
	}

	attempt, delay := h.nextDelay(m.policy)
	if m.policy.exhausted(attempt) {
		h.release()
		m.setState(h, StateFailed)
		metrics.Reconnect("exhausted")
		log.Error().Int("attempts", attempt-1).Msg("Reconnect budget exhausted")
		m.emit(m.root, h.AccountID, types.EventDisconnected, map[string]any{
			"body": fmt.Sprintf("Reconexão esgotada após %d tentativas: %s", attempt-1, ev.Cause),
		})
		return
	}

	// The successor is listed as Initializing while it waits out the delay.
	next := h.successor(m.root)
	if !m.registry.Replace(h, next) {
		next.cancel()
		h.release()
		return
	}
	h.release()
	h.setState(StateDisconnected)
	metrics.Reconnect("scheduled")
	log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.after(delay):
		case <-next.Context().Done():
			return
		}
		m.connect(next)
	}()
}

// fail parks h in the Failed state; it stays listed until re-initialized.
func (m *Manager) fail(h *Handle, cause string) {
	if !h.retire() {
		return
	}
	h.release()
	if !m.registry.Current(h) {
		return
	}
	m.setState(h, StateFailed)
	m.emit(m.root, h.AccountID, types.EventDisconnected, map[string]any{"body": cause})
}

func (m *Manager) setState(h *Handle, s State) {
	h.setState(s)
	m.registry.PublishMetrics()
}

func (m *Manager) emit(ctx context.Context, accountID string, t types.EventType, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, types.NewEvent(accountID, t, payload))
}

func (m *Manager) logFor(accountID string) *zerolog.Logger {
	log := m.log.With().Str("conta_id", accountID).Logger()
	return &log
}
