// Package events records the append-only audit stream off the hot path.
package events

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"collab-sync/pkg/db"

	"go.uber.org/zap"
)

// Publisher fans recorded events out to external consumers.
type Publisher interface {
	Publish(ctx context.Context, e *db.Event) error
}

// Recorder queues events and writes them from a single worker goroutine so
// session actors never wait on the audit log. A full queue drops the event
// with a warning.
type Recorder struct {
	store     db.Store
	publisher Publisher
	log       *zap.Logger
	queue     chan *db.Event
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRecorder creates a recorder. publisher may be nil.
func NewRecorder(store db.Store, publisher Publisher, logger *zap.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		store:     store,
		publisher: publisher,
		log:       logger,
		queue:     make(chan *db.Event, buffer),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background writer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop drains queued events and waits for the writer to finish.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Record enqueues an event. It never blocks.
func (r *Recorder) Record(e *db.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("event queue full, dropping event",
			zap.String("session_id", e.SessionID),
			zap.String("event_type", e.EventType))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-r.stopCh:
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e *db.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic writing event", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stored, err := r.store.CreateEvent(ctx, e)
	if err != nil {
		r.log.Warn("failed to store event",
			zap.String("session_id", e.SessionID),
			zap.String("event_type", e.EventType),
			zap.Error(err))
		return
	}
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, stored); err != nil {
		r.log.Warn("failed to publish event",
			zap.String("session_id", e.SessionID),
			zap.String("event_type", e.EventType),
			zap.Error(err))
	}
}
