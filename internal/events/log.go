package events

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/savegress/medledger/internal/config"
	"github.com/savegress/medledger/pkg/models"
	"golang.org/x/crypto/sha3"
)

// Sink receives committed events, e.g. a pub/sub publisher or a
// websocket hub
type Sink func(event *models.Event)

// Log records every committed state transition as an ordered,
// hash-chained event. Each event's hash covers the previous event's
// hash, so external audit tooling can detect truncation or rewrites.
type Log struct {
	config   *config.EventsConfig
	events   []*models.Event
	byID     map[string]*models.Event
	lastHash string
	sinks    []Sink
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	eventCh  chan *models.Event
	now      func() int64
}

// NewLog creates a new event log
func NewLog(cfg *config.EventsConfig) *Log {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Log{
		config:  cfg,
		byID:    make(map[string]*models.Event),
		stopCh:  make(chan struct{}),
		eventCh: make(chan *models.Event, bufferSize),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// WithClock sets a custom clock (for testing)
func (l *Log) WithClock(now func() int64) *Log {
	l.now = now
	return l
}

// AddSink registers a sink for committed events
func (l *Log) AddSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Start starts sink dispatch
func (l *Log) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	go l.dispatch(ctx)
	return nil
}

// Stop stops sink dispatch
func (l *Log) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		close(l.stopCh)
		l.running = false
	}
}

func (l *Log) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event := <-l.eventCh:
			l.mu.RLock()
			sinks := l.sinks
			l.mu.RUnlock()
			for _, sink := range sinks {
				sink(event)
			}
		}
	}
}

// EmitRequest contains the fields of an event to record
type EmitRequest struct {
	Kind    string
	Patient common.Address
	Doctor  *common.Address
	Actor   common.Address
	Pointer string
}

// Emit appends an event to the log and queues it for sink dispatch
func (l *Log) Emit(req *EmitRequest) *models.Event {
	l.mu.Lock()

	event := &models.Event{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		Patient:   req.Patient,
		Doctor:    req.Doctor,
		Actor:     req.Actor,
		Pointer:   req.Pointer,
		Timestamp: l.now(),
		PrevHash:  l.lastHash,
	}
	event.Hash = hashEvent(event)

	l.events = append(l.events, event)
	l.byID[event.ID] = event
	l.lastHash = event.Hash
	l.mu.Unlock()

	select {
	case l.eventCh <- event:
	default:
		// Buffer full; the log itself stays complete, only live
		// delivery of this event is skipped.
	}
	return event
}

// hashEvent computes the Keccak-256 chain hash of an event
func hashEvent(event *models.Event) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(event.Timestamp))

	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(event.PrevHash))
	hash.Write([]byte(event.ID))
	hash.Write([]byte(event.Kind))
	hash.Write(event.Patient.Bytes())
	if event.Doctor != nil {
		hash.Write(event.Doctor.Bytes())
	}
	hash.Write(event.Actor.Bytes())
	hash.Write([]byte(event.Pointer))
	hash.Write(ts[:])
	return "0x" + hex.EncodeToString(hash.Sum(nil))
}

// GetEvent retrieves an event by ID
func (l *Log) GetEvent(id string) (*models.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	event, ok := l.byID[id]
	return event, ok
}

// Filter defines filters for event queries
type Filter struct {
	Kind    string
	Patient *common.Address
	Doctor  *common.Address
	Since   int64
	Limit   int
}

// ListEvents returns events in emission order, oldest first
func (l *Log) ListEvents(filter Filter) []*models.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*models.Event, 0)
	for _, event := range l.events {
		if !matchesFilter(event, filter) {
			continue
		}
		results = append(results, event)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results
}

func matchesFilter(event *models.Event, filter Filter) bool {
	if filter.Kind != "" && event.Kind != filter.Kind {
		return false
	}
	if filter.Patient != nil && event.Patient != *filter.Patient {
		return false
	}
	if filter.Doctor != nil && (event.Doctor == nil || *event.Doctor != *filter.Doctor) {
		return false
	}
	if filter.Since > 0 && event.Timestamp < filter.Since {
		return false
	}
	return true
}

// Verify walks the hash chain and reports the first broken link, if any
func (l *Log) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := ""
	for _, event := range l.events {
		if event.PrevHash != prev || event.Hash != hashEvent(event) {
			return false, event.ID
		}
		prev = event.Hash
	}
	return true, ""
}

// GetStats returns event log statistics
func (l *Log) GetStats() *Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{
		ByKind: make(map[string]int),
	}
	for _, event := range l.events {
		stats.TotalEvents++
		stats.ByKind[event.Kind]++
	}
	stats.HeadHash = l.lastHash
	return stats
}

// Stats contains event log statistics
type Stats struct {
	TotalEvents int            `json:"total_events"`
	ByKind      map[string]int `json:"by_kind"`
	HeadHash    string         `json:"head_hash"`
}
