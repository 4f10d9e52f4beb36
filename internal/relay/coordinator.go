package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/protocol"
	"go.uber.org/zap"
)

const (
	// DefaultRetentionLimit bounds the per-document update log. Clients
	// offline longer than the window this implies silently lose updates;
	// the durable archive narrows the gap for by-id fetches only.
	DefaultRetentionLimit = 100
	// DefaultPollInterval is how long a long-poll request is held open.
	DefaultPollInterval = 1000 * time.Millisecond
	// DefaultRateLimitWindow is the minimum spacing between
	// updates-available notifications to one client.
	DefaultRateLimitWindow = 1000 * time.Millisecond
)

var (
	errMissingIDProvider = errors.New("relay: id provider is required")
	// ErrArchiveUnavailable indicates a snapshot or archive operation on a
	// coordinator configured without durable storage.
	ErrArchiveUnavailable = errors.New("relay: archive is not configured")

	noOpLogger = zap.NewNop()
)

// UpdateArchive is the optional durable store behind the in-memory log.
type UpdateArchive interface {
	SaveUpdate(ctx context.Context, docID DocID, record UpdateRecord) error
	FetchUpdate(ctx context.Context, docID DocID, updateID UpdateID) (UpdateRecord, error)
	SaveSnapshot(ctx context.Context, docID DocID, clientID ClientID, snapshot []byte, versionTag string) error
}

// CoordinatorConfig configures the relay coordinator.
type CoordinatorConfig struct {
	RetentionLimit  int
	PollInterval    time.Duration
	RateLimitWindow time.Duration
	Clock           func() time.Time
	IDProvider      IDProvider
	Archive         UpdateArchive
	Logger          *zap.Logger
}

// documentState tracks one registered document: activity, the clients that
// ever touched it, and its bounded append-only update log.
type documentState struct {
	lastActivity int64
	clients      map[ClientID]struct{}
	updates      []UpdateRecord
}

// Coordinator owns all mutable relay state behind one mutex: the document
// registry, the per-document update logs, the pending long-poll table, and
// the notification rate-limit table. Append is the sole trigger that wakes
// long-pollers, so the log mutation and the notify scan share one critical
// section.
type Coordinator struct {
	mu            sync.Mutex
	documents     map[DocID]*documentState
	waiters       map[waiterKey]*pollWaiter
	lastNotified  map[waiterKey]int64
	retention     int
	pollInterval  time.Duration
	rateLimitSpan time.Duration
	clock         func() time.Time
	idProvider    IDProvider
	archive       UpdateArchive
	logger        *zap.Logger
}

// NewCoordinator constructs a Coordinator with defaults applied.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	retention := cfg.RetentionLimit
	if retention <= 0 {
		retention = DefaultRetentionLimit
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	rateLimitSpan := cfg.RateLimitWindow
	if rateLimitSpan <= 0 {
		rateLimitSpan = DefaultRateLimitWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		documents:     make(map[DocID]*documentState),
		waiters:       make(map[waiterKey]*pollWaiter),
		lastNotified:  make(map[waiterKey]int64),
		retention:     retention,
		pollInterval:  pollInterval,
		rateLimitSpan: rateLimitSpan,
		clock:         clock,
		idProvider:    idProvider,
		archive:       cfg.Archive,
		logger:        logger,
	}, nil
}

// Register ensures tracking state for the document, records the client, and
// returns the current server time as the client's baseline watermark.
func (c *Coordinator) Register(docID DocID, clientID ClientID) RegistrationState {
	now := c.nowMillis()

	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.ensureDocumentLocked(docID)
	doc.clients[clientID] = struct{}{}
	doc.lastActivity = now

	clients := make([]string, 0, len(doc.clients))
	for id := range doc.clients {
		clients = append(clients, id.String())
	}
	sort.Strings(clients)

	return RegistrationState{
		Clients:          clients,
		LastActivity:     doc.lastActivity,
		ServerTimeMillis: now,
	}
}

// ListSince returns metadata for updates strictly newer than the watermark,
// excluding updates the requesting client pushed itself.
func (c *Coordinator) ListSince(docID DocID, clientID ClientID, sinceMillis int64) []protocol.UpdateMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.documents[docID]
	if !ok {
		return nil
	}

	metadata := make([]protocol.UpdateMetadata, 0)
	for _, record := range doc.updates {
		if record.TimestampMillis <= sinceMillis || record.ClientID == clientID {
			continue
		}
		metadata = append(metadata, protocol.UpdateMetadata{
			ClientID:  record.ClientID.String(),
			Timestamp: record.TimestampMillis,
			UpdateID:  record.UpdateID.String(),
		})
	}
	return metadata
}

// FetchByID returns one update record with its payload. When the in-memory
// window has already trimmed the update, a configured archive is consulted
// before reporting ErrUpdateNotFound.
func (c *Coordinator) FetchByID(ctx context.Context, docID DocID, updateID UpdateID) (UpdateRecord, error) {
	c.mu.Lock()
	doc, ok := c.documents[docID]
	if ok {
		for _, record := range doc.updates {
			if record.UpdateID == updateID {
				c.mu.Unlock()
				return record, nil
			}
		}
	}
	c.mu.Unlock()

	if c.archive == nil {
		return UpdateRecord{}, ErrUpdateNotFound
	}
	record, err := c.archive.FetchUpdate(ctx, docID, updateID)
	if err != nil {
		return UpdateRecord{}, err
	}
	return record, nil
}

// Append stores a pushed update, trims the log to the retention limit, and
// wakes every pending long-poll for the document except the pusher's own.
// The notify scan runs inside the same critical section as the log mutation
// so no concurrent append can double-resolve a waiter.
func (c *Coordinator) Append(ctx context.Context, docID DocID, clientID ClientID, payload []byte, updateID UpdateID) (AppendResult, error) {
	if updateID == "" {
		generated, err := c.generateUpdateID()
		if err != nil {
			return AppendResult{}, err
		}
		updateID = generated
	}
	now := c.nowMillis()
	record := UpdateRecord{
		ClientID:        clientID,
		UpdateID:        updateID,
		TimestampMillis: now,
		Payload:         payload,
	}

	c.mu.Lock()
	doc := c.ensureDocumentLocked(docID)
	doc.clients[clientID] = struct{}{}
	doc.lastActivity = now
	doc.updates = append(doc.updates, record)
	if len(doc.updates) > c.retention {
		trimmed := make([]UpdateRecord, c.retention)
		copy(trimmed, doc.updates[len(doc.updates)-c.retention:])
		doc.updates = trimmed
	}
	c.notifyWaitersLocked(docID, clientID, now)
	c.mu.Unlock()

	if c.archive != nil {
		if err := c.archive.SaveUpdate(ctx, docID, record); err != nil {
			// The in-memory log already accepted the update and peers were
			// notified, so archive write-through failures degrade to a log line.
			c.logger.Warn("relay archive write failed",
				zap.String("operation", "relay.append"),
				zap.String("doc_id", docID.String()),
				zap.String("update_id", updateID.String()),
				zap.Error(err))
		}
	}

	return AppendResult{UpdateID: updateID, TimestampMillis: now}, nil
}

// Poll answers a long-poll request. It registers the client, short-circuits
// when the client is inside its notification rate-limit window or when
// matching updates already exist, and otherwise suspends until an append
// from another client resolves the waiter or the poll interval elapses.
func (c *Coordinator) Poll(ctx context.Context, docID DocID, clientID ClientID, sinceMillis int64) (protocol.PollResponse, error) {
	now := c.nowMillis()
	key := waiterKey{docID: docID, clientID: clientID}

	c.mu.Lock()
	doc := c.ensureDocumentLocked(docID)
	doc.clients[clientID] = struct{}{}
	doc.lastActivity = now

	if lastNotify, ok := c.lastNotified[key]; ok && now-lastNotify < c.rateLimitSpan.Milliseconds() {
		c.mu.Unlock()
		return protocol.PollResponse{
			Type:      protocol.PollTypeNoUpdates,
			DocID:     docID.String(),
			Timestamp: now,
			RateLimit: true,
		}, nil
	}

	if c.hasUpdatesLocked(doc, clientID, sinceMillis) {
		c.lastNotified[key] = now
		c.mu.Unlock()
		return protocol.PollResponse{
			Type:      protocol.PollTypeUpdatesAvailable,
			DocID:     docID.String(),
			Timestamp: now,
		}, nil
	}

	waiter := newPollWaiter()
	if displaced, ok := c.waiters[key]; ok {
		// At most one pending poll per (doc, client): a newer poll for the
		// same key resolves the stale one instead of leaving it to expire.
		displaced.resolveLocked(protocol.PollResponse{
			Type:      protocol.PollTypeNoUpdates,
			DocID:     docID.String(),
			Timestamp: now,
		})
	}
	c.waiters[key] = waiter
	c.mu.Unlock()

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	select {
	case response := <-waiter.result:
		return response, nil
	case <-timer.C:
		c.expireWaiter(key, waiter)
		return protocol.PollResponse{
			Type:      protocol.PollTypeNoUpdates,
			DocID:     docID.String(),
			Timestamp: c.nowMillis(),
		}, nil
	case <-ctx.Done():
		c.expireWaiter(key, waiter)
		return protocol.PollResponse{}, ctx.Err()
	}
}

// SaveSnapshot archives a compacted snapshot for the document.
func (c *Coordinator) SaveSnapshot(ctx context.Context, docID DocID, clientID ClientID, snapshot []byte, versionTag string) (int64, error) {
	if c.archive == nil {
		return 0, ErrArchiveUnavailable
	}
	now := c.nowMillis()

	c.mu.Lock()
	doc := c.ensureDocumentLocked(docID)
	doc.clients[clientID] = struct{}{}
	doc.lastActivity = now
	c.mu.Unlock()

	if err := c.archive.SaveSnapshot(ctx, docID, clientID, snapshot, versionTag); err != nil {
		return 0, err
	}
	return now, nil
}

func (c *Coordinator) ensureDocumentLocked(docID DocID) *documentState {
	doc, ok := c.documents[docID]
	if !ok {
		doc = &documentState{clients: make(map[ClientID]struct{})}
		c.documents[docID] = doc
	}
	return doc
}

func (c *Coordinator) hasUpdatesLocked(doc *documentState, clientID ClientID, sinceMillis int64) bool {
	for _, record := range doc.updates {
		if record.TimestampMillis > sinceMillis && record.ClientID != clientID {
			return true
		}
	}
	return false
}

// notifyWaitersLocked resolves every pending poll for the document except
// the pusher's, stamps the rate-limit table, and clears the waiting set.
func (c *Coordinator) notifyWaitersLocked(docID DocID, excludeClientID ClientID, nowMillis int64) {
	for key, waiter := range c.waiters {
		if key.docID != docID || key.clientID == excludeClientID {
			continue
		}
		if waiter.resolveLocked(protocol.PollResponse{
			Type:      protocol.PollTypeUpdatesAvailable,
			DocID:     docID.String(),
			Timestamp: nowMillis,
		}) {
			c.lastNotified[key] = nowMillis
		}
		delete(c.waiters, key)
	}
}

// expireWaiter removes the waiter after a timeout or abort. A waiter that an
// append already resolved is left alone; the pending result is simply dropped.
func (c *Coordinator) expireWaiter(key waiterKey, waiter *pollWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiter.resolved = true
	if current, ok := c.waiters[key]; ok && current == waiter {
		delete(c.waiters, key)
	}
}

func (c *Coordinator) generateUpdateID() (UpdateID, error) {
	if c.idProvider == nil {
		return "", errMissingIDProvider
	}
	raw, err := c.idProvider.NewID()
	if err != nil {
		return "", err
	}
	return NewUpdateID(raw)
}

func (c *Coordinator) nowMillis() int64 {
	return c.clock().UTC().UnixMilli()
}
