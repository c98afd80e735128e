// Package queue implements the bounded concurrent HTTP request pool shared
// by the import/export pipelines. The queue is a library, not a daemon: the
// orchestrator constructs one per run, submits work, waits for drain and
// discards it.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/metrics"
)

const (
	// DefaultWorkers is the pool size when New is given none. There is no
	// per-backend pool size: one queue serves every backend of a run.
	DefaultWorkers = 10
	// DefaultTimeout is the per-request deadline.
	DefaultTimeout = 300 * time.Second
	// CancelGrace is how long in-flight requests get after a cancel before
	// the hard abort.
	CancelGrace = 5 * time.Second

	maxAttempts = 3
)

// Request is one unit of work for the pool. OnSuccess owns the response body
// and must close it, also when it returns an error (a handler error is
// treated as a failed attempt and retried).
type Request struct {
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
	Tag       string
	Timeout   time.Duration
	OnSuccess func(*http.Response) error
	OnError   func(error)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Submitted uint64
	Succeeded uint64
	Failed    uint64
}

// Queue is a fixed-size worker pool consuming an unbounded request list.
type Queue struct {
	client *http.Client
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	backlog []*Request
	cond    *sync.Cond
	closed  bool

	pending sync.WaitGroup
	workers sync.WaitGroup

	stats struct {
		sync.Mutex
		Stats
	}
}

// New starts a queue with the given pool size. The queue derives its
// lifetime from parent: on parent cancel, submissions are refused and
// in-flight requests get CancelGrace before the hard abort.
func New(parent context.Context, workers int, logger *logrus.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client: &http.Client{},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	q.cond = sync.NewCond(&q.mu)

	// Shrink in-flight deadlines once the parent is cancelled.
	go func() {
		select {
		case <-parent.Done():
			q.refuse()
			time.AfterFunc(CancelGrace, cancel)
		case <-ctx.Done():
		}
	}()

	q.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}

	return q
}

// Submit enqueues a request. Returns false when the queue no longer accepts
// work (cancelled or stopped).
func (q *Queue) Submit(r *Request) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending.Add(1)
	q.backlog = append(q.backlog, r)
	q.cond.Signal()
	q.mu.Unlock()

	q.stats.Lock()
	q.stats.Submitted++
	q.stats.Unlock()
	return true
}

// Wait blocks until every submitted request has completed.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Stop refuses new work and cancels the queue context at once, without the
// CancelGrace delay: requests still in the backlog fail fast (OnError runs)
// and the workers exit.
func (q *Queue) Stop() {
	q.refuse()
	q.cancel()
	q.workers.Wait()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.stats.Lock()
	defer q.stats.Unlock()
	return q.stats.Stats
}

func (q *Queue) refuse() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.backlog) == 0 {
		if q.closed && len(q.backlog) == 0 {
			return nil
		}
		q.cond.Wait()
	}
	r := q.backlog[0]
	q.backlog = q.backlog[1:]
	return r
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for {
		r := q.next()
		if r == nil {
			return
		}
		q.process(r)
		q.pending.Done()
	}
}

func (q *Queue) process(r *Request) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), q.ctx)

	err := backoff.Retry(func() error {
		return q.attempt(r, timeout)
	}, policy)

	if err != nil {
		q.stats.Lock()
		q.stats.Failed++
		q.stats.Unlock()
		metrics.QueueRequests.WithLabelValues(r.Tag, "failed").Inc()

		q.logger.WithFields(logrus.Fields{
			"tag":    r.Tag,
			"method": r.Method,
			"url":    r.URL,
		}).WithError(err).Warn("Queue request exhausted retries")

		if r.OnError != nil {
			r.OnError(err)
		}
		return
	}

	q.stats.Lock()
	q.stats.Succeeded++
	q.stats.Unlock()
	metrics.QueueRequests.WithLabelValues(r.Tag, "success").Inc()
}

func (q *Queue) attempt(r *Request, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	var body *bytes.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		// Network errors and timeouts are transient.
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return fmt.Errorf("transient status %d from %s", resp.StatusCode, r.URL)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return backoff.Permanent(fmt.Errorf("status %d from %s", resp.StatusCode, r.URL))
	}

	if r.OnSuccess != nil {
		if err := r.OnSuccess(resp); err != nil {
			return fmt.Errorf("response handler: %w", err)
		}
		return nil
	}
	resp.Body.Close()
	return nil
}
