package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/draycraft/dray/internal/db"
)

const (
	// Buffer flushes when it reaches this size.
	bufferSizeThreshold = 10
	// Buffer flushes automatically on this interval.
	flushInterval = 5 * time.Second
)

// PersistentPublisher wraps MemoryPublisher and adds database persistence.
// Broadcast behavior is unchanged; events are additionally buffered and
// written to the event_log table in batches. Identical consecutive
// (type, project, detail) rows within one buffer window are coalesced.
type PersistentPublisher struct {
	inner       *MemoryPublisher
	database    *db.DB
	source      string
	buffer      []*db.EventLog
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewPersistentPublisher creates a persistent event publisher. The source
// parameter identifies where events originate (e.g., "worker", "pipeline").
func NewPersistentPublisher(database *db.DB, source string, logger *slog.Logger, opts ...Option) *PersistentPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PersistentPublisher{
		inner:    NewMemoryPublisher(opts...),
		database: database,
		source:   source,
		buffer:   make([]*db.EventLog, 0, bufferSizeThreshold),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	p.flushTicker = time.NewTicker(flushInterval)
	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Publish broadcasts the event and buffers it for persistence.
func (p *PersistentPublisher) Publish(event Event) {
	p.inner.Publish(event)

	detail := ""
	if event.Details != nil {
		if b, err := json.Marshal(event.Details); err == nil {
			detail = string(b)
		}
	}
	rec := &db.EventLog{
		EventType: string(event.Type),
		ProjectID: event.ProjectID,
		StageKey:  event.StageKey,
		Detail:    detail,
		Source:    p.source,
		CreatedAt: event.Time,
	}

	p.bufferMu.Lock()
	if n := len(p.buffer); n > 0 {
		last := p.buffer[n-1]
		if last.EventType == rec.EventType && last.ProjectID == rec.ProjectID && last.Detail == rec.Detail {
			p.bufferMu.Unlock()
			return
		}
	}
	p.buffer = append(p.buffer, rec)
	full := len(p.buffer) >= bufferSizeThreshold
	p.bufferMu.Unlock()

	if full {
		p.flush()
	}
}

// Subscribe returns a channel that receives events for the given project.
func (p *PersistentPublisher) Subscribe(projectID string) <-chan Event {
	return p.inner.Subscribe(projectID)
}

// Unsubscribe removes a subscription channel.
func (p *PersistentPublisher) Unsubscribe(projectID string, ch <-chan Event) {
	p.inner.Unsubscribe(projectID, ch)
}

// Close flushes remaining events and shuts down.
func (p *PersistentPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.flushTicker.Stop()
		p.wg.Wait()
		p.flush()
		p.inner.Close()
	})
}

func (p *PersistentPublisher) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.flushTicker.C:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

func (p *PersistentPublisher) flush() {
	p.bufferMu.Lock()
	if len(p.buffer) == 0 {
		p.bufferMu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]*db.EventLog, 0, bufferSizeThreshold)
	p.bufferMu.Unlock()

	if err := p.database.AppendEvents(context.Background(), batch); err != nil {
		p.logger.Warn("event log flush failed", "count", len(batch), "error", err)
	}
}
