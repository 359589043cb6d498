package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/apperr"
)

const (
	defaultQueueSize   = 256
	defaultIdleTimeout = time.Minute
)

// Job is one unit of per-session work.
type Job func(ctx context.Context)

// SessionQueue runs jobs for the same session one at a time in arrival
// order. Different sessions run in parallel. A session's worker exits after
// sitting idle and is recreated on the next job.
type SessionQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	size   int
	idle   time.Duration

	mu     sync.Mutex
	queues map[string]chan Job
	closed bool
	wg     sync.WaitGroup
}

func NewSessionQueue(size int, idle time.Duration) *SessionQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionQueue{
		ctx:    ctx,
		cancel: cancel,
		size:   size,
		idle:   idle,
		queues: make(map[string]chan Job),
	}
}

// Enqueue appends job to sessionID's queue. It fails when the queue is full
// or the queue was closed.
func (q *SessionQueue) Enqueue(sessionID string, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return apperr.New(apperr.ProviderUnavailable, "session queue is shut down")
	}
	ch, ok := q.queues[sessionID]
	if !ok {
		ch = make(chan Job, q.size)
		q.queues[sessionID] = ch
		q.wg.Add(1)
		go q.work(sessionID, ch)
	}
	select {
	case ch <- job:
		return nil
	default:
		log.Warn().Str("sessionID", sessionID).Int("size", q.size).Msg("Session queue full, rejecting event")
		return apperr.New(apperr.RateLimitExceeded, "event queue for session %s is full", sessionID)
	}
}

func (q *SessionQueue) work(sessionID string, ch chan Job) {
	defer q.wg.Done()
	timer := time.NewTimer(q.idle)
	defer timer.Stop()

	for {
		select {
		case job, ok := <-ch:
			if !ok {
				return
			}
			q.run(sessionID, job)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(q.idle)
		case <-timer.C:
			q.mu.Lock()
			if len(ch) == 0 && !q.closed {
				delete(q.queues, sessionID)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			timer.Reset(q.idle)
		}
	}
}

func (q *SessionQueue) run(sessionID string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("sessionID", sessionID).Msg("Recovered from panic in session job")
		}
	}()
	job(q.ctx)
}

// Len returns the number of live session workers.
func (q *SessionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// Close stops accepting jobs, lets queued jobs drain, and waits for the
// workers or ctx, whichever ends first. Jobs still running when ctx ends
// see their context cancelled.
func (q *SessionQueue) Close(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for id, ch := range q.queues {
			close(ch)
			delete(q.queues, id)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
}
