package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-gateway/metrics"
	"whatsapp-gateway/queue"
	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
	"whatsapp-gateway/utils"
)

const (
	ModeAtMostOnce  = "at-most-once"
	ModeAtLeastOnce = "at-least-once"
)

// Poster sends one event to the webhook.
type Poster interface {
	PostEvent(ctx context.Context, ev types.NormalizedEvent) error
}

type NotifierConfig struct {
	Mode      string
	QueueSize int
	Workers   int
	// MaxElapsed bounds the retries of one event in at-least-once mode.
	MaxElapsed time.Duration
}

// Notifier queues events and posts them from a fixed set of workers, so
// callers never wait on the network.
type Notifier struct {
	poster Poster
	cfg    NotifierConfig
	retry  *utils.RetryConfig
	log    zerolog.Logger

	jobs   chan types.NormalizedEvent
	pool   *queue.WorkerPool
	ctx    context.Context
	cancel context.CancelFunc

	mutex  sync.RWMutex
	closed bool
}

var _ session.Notifier = (*Notifier)(nil)

func NewNotifier(poster Poster, cfg NotifierConfig, log zerolog.Logger) *Notifier {
	if cfg.Mode == "" {
		cfg.Mode = ModeAtMostOnce
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		poster: poster,
		cfg:    cfg,
		retry: &utils.RetryConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsedTime:  cfg.MaxElapsed,
		},
		log:    log.With().Str("component", "notifier").Logger(),
		jobs:   make(chan types.NormalizedEvent, cfg.QueueSize),
		pool:   queue.NewWorkerPool(cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		n.pool.Submit(n.work)
	}
	return n
}

// Notify enqueues ev. A full queue drops the event.
func (n *Notifier) Notify(_ context.Context, ev types.NormalizedEvent) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	if n.closed {
		metrics.WebhookDelivery(ev.Type.String(), "dropped")
		return
	}
	select {
	case n.jobs <- ev:
	default:
		metrics.WebhookDelivery(ev.Type.String(), "dropped")
		n.log.Warn().Str("conta_id", ev.AccountID).Stringer("event", ev.Type).Msg("Webhook queue full, event dropped")
	}
}

func (n *Notifier) work() {
	for ev := range n.jobs {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev types.NormalizedEvent) {
	log := n.log.With().Str("conta_id", ev.AccountID).Stringer("event", ev.Type).Logger()

	var err error
	if n.cfg.Mode == ModeAtLeastOnce {
		attempts := 0
		err = utils.WithRetry(n.ctx, func() error {
			attempts++
			err := n.poster.PostEvent(n.ctx, ev)
			var status *StatusError
			if errors.As(err, &status) && !status.Retryable() {
				return utils.Permanent(err)
			}
			if err != nil {
				log.Debug().Err(err).Int("attempt", attempts).Msg("Webhook attempt failed")
			}
			return err
		}, n.retry)
	} else {
		err = n.poster.PostEvent(n.ctx, ev)
	}

	if err != nil {
		metrics.WebhookDelivery(ev.Type.String(), "failed")
		log.Error().Err(err).Msg("Failed to deliver webhook event")
		return
	}
	metrics.WebhookDelivery(ev.Type.String(), "ok")
}

// Close stops accepting events and waits for the queue to drain. When ctx
// ends first, in-flight deliveries are cancelled and the rest discarded.
func (n *Notifier) Close(ctx context.Context) error {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return nil
	}
	n.closed = true
	close(n.jobs)
	n.mutex.Unlock()

	drained := make(chan struct{})
	go func() {
		n.pool.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-drained
		return ctx.Err()
	}
}
