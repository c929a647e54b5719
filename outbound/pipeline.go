// Package outbound executes send requests against live sessions.
package outbound

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-gateway/cache"
	"whatsapp-gateway/metrics"
	"whatsapp-gateway/queue"
	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
)

var (
	ErrValidation      = errors.New("Dados obrigatórios ausentes")
	ErrAccountNotFound = errors.New("Conta não encontrado")
	ErrNotRegistered   = errors.New("Número não registrado no WhatsApp")
	ErrNotConnected    = errors.New("Conta não conectada ao WhatsApp")
)

// VoiceMimetype is the format every outgoing audio is converted to.
const VoiceMimetype = "audio/ogg; codecs=opus"

const defaultFilename = "Anexo"

// Sessions looks up live connections by account.
type Sessions interface {
	Conn(accountID string) (session.Conn, error)
}

type Transcoder interface {
	Transcode(ctx context.Context, input []byte) ([]byte, error)
}

// Result is the API answer for one send along with its HTTP status.
type Result struct {
	types.Result
	Status int
}

type Options struct {
	Sessions   Sessions
	Transcoder Transcoder
	Limiter    *RateLimiter
	Recipients *cache.Cache[string]
	Queue      *queue.Keyed
	// Timeout bounds one send including its wait in the account queue.
	// Zero disables it.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type Pipeline struct {
	sessions   Sessions
	transcoder Transcoder
	limiter    *RateLimiter
	recipients *cache.Cache[string]
	queue      *queue.Keyed
	timeout    time.Duration
	log        zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		sessions:   opts.Sessions,
		transcoder: opts.Transcoder,
		limiter:    opts.Limiter,
		recipients: opts.Recipients,
		queue:      opts.Queue,
		timeout:    opts.Timeout,
		log:        opts.Logger.With().Str("component", "outbound").Logger(),
		sleep:      sleepContext,
	}
	if p.limiter == nil {
		p.limiter = NewRateLimiter(0, 1)
	}
	if p.queue == nil {
		p.queue = queue.NewKeyed("outbound", nil)
	}
	return p
}

// Validate checks the fields a send cannot do without.
func Validate(msg types.OutboundMessage) error {
	if strings.TrimSpace(msg.AccountID) == "" || strings.TrimSpace(msg.To) == "" || msg.Type == "" {
		return ErrValidation
	}
	hasMedia := msg.Media != nil && msg.Media.Data != ""
	switch msg.Type {
	case types.TextMessage:
		if msg.Body == "" && !hasMedia {
			return ErrValidation
		}
	case types.MediaMessage:
		if !hasMedia {
			return ErrValidation
		}
	default:
		return ErrValidation
	}
	return nil
}

// Send delivers one message. Sends of one account run one at a time in
// arrival order.
func (p *Pipeline) Send(ctx context.Context, msg types.OutboundMessage) Result {
	if err := Validate(msg); err != nil {
		p.log.Warn().Str("conta_id", msg.AccountID).Str("to", msg.To).Msg("Rejected send with missing fields")
		return Result{Result: types.Fail(err.Error()), Status: http.StatusUnprocessableEntity}
	}
	if _, err := p.sessions.Conn(msg.AccountID); errors.Is(err, session.ErrNotFound) {
		return Result{Result: types.Fail(ErrAccountNotFound.Error()), Status: http.StatusBadRequest}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	kind := sendKind(msg)
	var id string
	err := p.queue.Do(ctx, msg.AccountID, func(ctx context.Context) error {
		var err error
		id, err = p.deliver(ctx, msg)
		return err
	})
	metrics.MessageSent(kind, err == nil, time.Since(start))

	log := p.log.With().Str("conta_id", msg.AccountID).Str("to", msg.To).Str("kind", kind).Logger()
	switch {
	case errors.Is(err, ErrNotRegistered):
		log.Warn().Msg("Recipient not registered")
		return Result{Result: types.Fail(ErrNotRegistered.Error()), Status: http.StatusBadRequest}
	case errors.Is(err, session.ErrNotFound):
		log.Warn().Msg("Session removed before the send ran")
		return Result{Result: types.Fail(ErrAccountNotFound.Error()), Status: http.StatusBadRequest}
	case errors.Is(err, session.ErrNotConnected):
		log.Warn().Msg("Session not connected")
		return Result{Result: types.Fail(ErrNotConnected.Error()), Status: http.StatusOK}
	case err != nil:
		log.Error().Err(err).Msg("Send failed")
		return Result{Result: types.Fail(err.Error()), Status: http.StatusOK}
	}
	log.Info().Str("id", id).Dur("elapsed", time.Since(start)).Msg("Message sent")
	return Result{Result: types.OK(id), Status: http.StatusOK}
}

func (p *Pipeline) deliver(ctx context.Context, msg types.OutboundMessage) (string, error) {
	conn, err := p.sessions.Conn(msg.AccountID)
	if err != nil {
		return "", err
	}
	if err := p.limiter.Wait(ctx, msg.AccountID); err != nil {
		return "", err
	}
	to, err := p.resolve(ctx, conn, msg.AccountID, msg.To)
	if err != nil {
		return "", err
	}

	if err := conn.SendPresence(ctx, to, session.PresenceAvailable); err != nil {
		return "", fmt.Errorf("presence: %w", err)
	}
	defer p.restorePresence(ctx, conn, msg.AccountID, to)

	if err := conn.SendPresence(ctx, to, session.PresenceComposing); err != nil {
		return "", fmt.Errorf("presence: %w", err)
	}
	if err := p.sleep(ctx, TypingDelay(msg.Body)); err != nil {
		return "", err
	}

	if msg.Media != nil && msg.Media.Data != "" {
		return p.sendMedia(ctx, conn, to, msg)
	}
	return conn.SendText(ctx, to, msg.Body, nil)
}

func (p *Pipeline) restorePresence(ctx context.Context, conn session.Conn, accountID, to string) {
	ctx = context.WithoutCancel(ctx)
	if err := conn.SendPresence(ctx, to, session.PresencePaused); err != nil {
		p.log.Debug().Err(err).Str("conta_id", accountID).Msg("Failed to pause typing")
	}
	if err := conn.SendPresence(ctx, to, session.PresenceAvailable); err != nil {
		p.log.Warn().Err(err).Str("conta_id", accountID).Msg("Failed to restore presence")
	}
}

func (p *Pipeline) resolve(ctx context.Context, conn session.Conn, accountID, to string) (string, error) {
	key := accountID + "|" + to
	if p.recipients != nil {
		if addr, ok := p.recipients.Get(key); ok {
			return addr, nil
		}
	}
	addr, err := conn.ResolveRecipient(ctx, to)
	if errors.Is(err, session.ErrNotRegistered) {
		return "", ErrNotRegistered
	}
	if err != nil {
		return "", err
	}
	if p.recipients != nil {
		p.recipients.Set(key, addr)
	}
	return addr, nil
}

func (p *Pipeline) sendMedia(ctx context.Context, conn session.Conn, to string, msg types.OutboundMessage) (string, error) {
	data, err := base64.StdEncoding.DecodeString(msg.Media.Data)
	if err != nil {
		return "", fmt.Errorf("decode media: %w", err)
	}
	out := session.OutgoingMedia{
		Kind:     Classify(msg.Media.Mimetype),
		Data:     data,
		Mimetype: msg.Media.Mimetype,
		Filename: msg.Media.Filename,
		Caption:  msg.Body,
	}
	if out.Filename == "" {
		out.Filename = defaultFilename
	}
	if out.Kind == session.MediaAudio {
		if p.transcoder == nil {
			return "", errors.New("audio transcoding unavailable")
		}
		if out.Data, err = p.transcoder.Transcode(ctx, data); err != nil {
			return "", err
		}
		out.Mimetype = VoiceMimetype
		out.VoiceNote = true
	}
	return conn.SendMedia(ctx, to, out)
}

// MarkSeen marks a chat as read. A bare id is taken as a group id. Unknown
// accounts are ignored.
func (p *Pipeline) MarkSeen(ctx context.Context, accountID, to string) error {
	conn, err := p.sessions.Conn(accountID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !strings.Contains(to, "@") {
		to += "@g.us"
	}
	return conn.MarkChatRead(ctx, to)
}

// Classify maps a mimetype to the media kind it is sent as.
func Classify(mimetype string) session.MediaKind {
	switch {
	case strings.Contains(mimetype, "image"):
		return session.MediaImage
	case strings.Contains(mimetype, "video"):
		return session.MediaVideo
	case strings.Contains(mimetype, "audio"):
		return session.MediaAudio
	default:
		return session.MediaDocument
	}
}

// TypingDelay is how long the composing indicator shows before a send.
func TypingDelay(body string) time.Duration {
	ms := 60 * len([]rune(body))
	ms = min(max(ms, 500), 3000)
	return time.Duration(ms) * time.Millisecond
}

func sendKind(msg types.OutboundMessage) string {
	if msg.Media != nil && msg.Media.Data != "" {
		return string(Classify(msg.Media.Mimetype))
	}
	return string(types.TextMessage)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
