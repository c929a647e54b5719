package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type lane struct {
	pending []job
	running bool
}

// Keyed runs submitted functions one at a time per key, in submission order.
// Different keys run concurrently. A lane's goroutine exits once its backlog
// is empty, so idle keys cost nothing.
type Keyed struct {
	mutex   sync.Mutex
	lanes   map[string]*lane
	metrics *keyedMetrics
}

type keyedMetrics struct {
	queueLength    prometheus.Gauge
	processingTime prometheus.Histogram
	processed      *prometheus.CounterVec
}

// NewKeyed creates a keyed queue. Metrics are registered on reg with a
// queue label; a nil reg keeps them on a private registry.
func NewKeyed(name string, reg prometheus.Registerer) *Keyed {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"queue": name}

	return &Keyed{
		lanes: make(map[string]*lane),
		metrics: &keyedMetrics{
			queueLength: factory.NewGauge(prometheus.GaugeOpts{
				Name:        "gateway_queue_length",
				Help:        "Jobs waiting in a keyed queue",
				ConstLabels: labels,
			}),
			processingTime: factory.NewHistogram(prometheus.HistogramOpts{
				Name:        "gateway_queue_processing_time_seconds",
				Help:        "Time taken to run one queued job",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			}),
			processed: factory.NewCounterVec(prometheus.CounterOpts{
				Name:        "gateway_queue_jobs_total",
				Help:        "Jobs run by result",
				ConstLabels: labels,
			}, []string{"result"}),
		},
	}
}

// Do queues fn behind every earlier job for key and waits for its result.
// If ctx ends while waiting, Do returns ctx.Err(); a job whose ctx is already
// done when its turn comes is skipped.
func (q *Keyed) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mutex.Lock()
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	l.pending = append(l.pending, j)
	if !l.running {
		l.running = true
		go q.drain(key, l)
	}
	q.mutex.Unlock()
	q.metrics.queueLength.Inc()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many jobs are queued or running for key.
func (q *Keyed) Pending(key string) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.pending)
	}
	return 0
}

func (q *Keyed) drain(key string, l *lane) {
	for {
		q.mutex.Lock()
		if len(l.pending) == 0 {
			l.running = false
			delete(q.lanes, key)
			q.mutex.Unlock()
			return
		}
		j := l.pending[0]
		l.pending = l.pending[1:]
		q.mutex.Unlock()
		q.metrics.queueLength.Dec()

		if err := j.ctx.Err(); err != nil {
			q.metrics.processed.WithLabelValues("skipped").Inc()
			j.done <- err
			continue
		}

		start := time.Now()
		err := q.run(j)
		q.metrics.processingTime.Observe(time.Since(start).Seconds())
		if err != nil {
			q.metrics.processed.WithLabelValues("error").Inc()
		} else {
			q.metrics.processed.WithLabelValues("ok").Inc()
		}
		j.done <- err
	}
}

func (q *Keyed) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}
