package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultSyncInterval         = 1000 * time.Millisecond
	defaultPollPacing           = 1000 * time.Millisecond
	defaultSuccessResetDelay    = 3000 * time.Millisecond
	defaultHighPriorityReset    = 1000 * time.Millisecond
	defaultErrorResetDelay      = 2000 * time.Millisecond
	defaultPendingRetryDelay    = 1500 * time.Millisecond
	defaultHighPriorityRetry    = 500 * time.Millisecond
	defaultRegisterRetryDelay   = 5000 * time.Millisecond
	defaultBackoffBase          = 1000 * time.Millisecond
	defaultBackoffCeiling       = 10 * time.Second
	staleSyncIntervalMultiplier = 3
)

var (
	errMissingDocument = errors.New("client: document handle is required")
	errMissingDocID    = errors.New("client: document id is required")
	errMissingBaseURL  = errors.New("client: base url is required")
)

// Config describes a SyncService. Zero durations fall back to defaults; the
// delay knobs exist so tests can run the state machine without real
// multi-second timers.
type Config struct {
	BaseURL  string
	DocID    string
	Document Document

	ClientID   string
	HTTPClient *http.Client
	AuthToken  string
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger

	// SyncInterval is the backup reconciliation cadence; a sync is forced
	// when no cycle has succeeded within three intervals.
	SyncInterval time.Duration
	// DisableLongPoll switches the client to interval-only reconciliation.
	DisableLongPoll bool

	PollPacing         time.Duration
	SuccessResetDelay  time.Duration
	ErrorResetDelay    time.Duration
	PendingRetryDelay  time.Duration
	RegisterRetryDelay time.Duration
	BackoffCeiling     time.Duration
}

type syncCycle struct {
	done chan struct{}
	err  error
}

// SyncService replicates one document through the relay: it registers,
// long-polls for near-real-time notification, and runs pull-then-push
// reconciliation cycles against the local document handle.
type SyncService struct {
	docID    string
	clientID string
	doc      Document
	api      *apiClient
	clock    func() time.Time
	ids      IDProvider
	logger   *zap.Logger

	syncInterval       time.Duration
	disableLongPoll    bool
	pollPacing         time.Duration
	successResetDelay  time.Duration
	highPriorityReset  time.Duration
	errorResetDelay    time.Duration
	pendingRetryDelay  time.Duration
	highPriorityRetry  time.Duration
	registerRetryDelay time.Duration
	backoffBase        time.Duration
	backoffCeiling     time.Duration

	status *statusTracker

	mu                 sync.Mutex
	active             bool
	cancel             context.CancelFunc
	runCtx             context.Context
	lastSyncTime       int64
	lastSuccessfulSync time.Time
	isSyncing          bool
	pendingUpdates     bool
	retryCount         int
	inflight           *syncCycle

	listenerMu     sync.Mutex
	listeners      map[int64]Listener
	nextListenerID int64
}

// NewSyncService constructs a SyncService with defaults applied.
func NewSyncService(cfg Config) (*SyncService, error) {
	if cfg.Document == nil {
		return nil, errMissingDocument
	}
	if strings.TrimSpace(cfg.DocID) == "" {
		return nil, errMissingDocID
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		generated, err := ids.NewID()
		if err != nil {
			return nil, err
		}
		clientID = generated
	}

	service := &SyncService{
		docID:    cfg.DocID,
		clientID: clientID,
		doc:      cfg.Document,
		api: &apiClient{
			baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
			httpClient: httpClient,
			authToken:  cfg.AuthToken,
		},
		clock:              clock,
		ids:                ids,
		logger:             logger,
		syncInterval:       durationOrDefault(cfg.SyncInterval, defaultSyncInterval),
		disableLongPoll:    cfg.DisableLongPoll,
		pollPacing:         durationOrDefault(cfg.PollPacing, defaultPollPacing),
		successResetDelay:  durationOrDefault(cfg.SuccessResetDelay, defaultSuccessResetDelay),
		highPriorityReset:  defaultHighPriorityReset,
		errorResetDelay:    durationOrDefault(cfg.ErrorResetDelay, defaultErrorResetDelay),
		pendingRetryDelay:  durationOrDefault(cfg.PendingRetryDelay, defaultPendingRetryDelay),
		highPriorityRetry:  defaultHighPriorityRetry,
		registerRetryDelay: durationOrDefault(cfg.RegisterRetryDelay, defaultRegisterRetryDelay),
		backoffBase:        defaultBackoffBase,
		backoffCeiling:     durationOrDefault(cfg.BackoffCeiling, defaultBackoffCeiling),
		listeners:          make(map[int64]Listener),
	}
	service.status = newStatusTracker(func(next Status, details map[string]any) {
		service.emit(Event{
			Type:      protocol.EventStatusChange,
			Status:    next,
			Timestamp: service.clock(),
			Details:   details,
		})
	})
	return service, nil
}

// StartSync begins replication: registration, the long-poll loop (unless
// disabled), and the backup interval. Calling it on a running service
// restarts the loops.
func (s *SyncService) StartSync() {
	s.StopSync()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active = true
	s.cancel = cancel
	s.runCtx = ctx
	s.mu.Unlock()

	go s.registerWithServer(ctx)
	if !s.disableLongPoll {
		go s.longPollLoop(ctx)
	}
	go s.backupLoop(ctx)
}

// StopSync cancels the loops and any in-flight long-poll connection.
func (s *SyncService) StopSync() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runCtx = nil
	s.active = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.status.Set(StatusIdle, nil)
}

// SyncWithServer runs one pull-then-push reconciliation cycle. Concurrent
// non-high-priority callers share the in-flight cycle; a high-priority call
// supersedes it and starts fresh.
func (s *SyncService) SyncWithServer(ctx context.Context, highPriority bool) error {
	s.mu.Lock()
	if s.isSyncing && !highPriority {
		if cycle := s.inflight; cycle != nil {
			s.mu.Unlock()
			<-cycle.done
			return cycle.err
		}
		s.mu.Unlock()
		return nil
	}
	s.isSyncing = true
	cycle := &syncCycle{done: make(chan struct{})}
	s.inflight = cycle
	s.mu.Unlock()

	s.status.Set(StatusSyncing, nil)
	cycle.err = s.doSync(ctx, highPriority)

	s.mu.Lock()
	if s.inflight == cycle {
		s.inflight = nil
		s.isSyncing = false
	}
	s.mu.Unlock()
	close(cycle.done)
	return cycle.err
}

// ForceSyncWithServer discards the in-flight guard and runs a fresh cycle.
func (s *SyncService) ForceSyncWithServer(ctx context.Context) error {
	s.mu.Lock()
	s.isSyncing = false
	s.mu.Unlock()
	return s.SyncWithServer(ctx, false)
}

// SyncSnapshot uploads a full snapshot of the document to the relay archive.
func (s *SyncService) SyncSnapshot(ctx context.Context) error {
	snapshot, err := s.doc.Export(ExportModeSnapshot)
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	version, err := s.doc.Version()
	if err != nil {
		return err
	}

	_, err = s.api.pushSnapshot(ctx, protocol.SnapshotRequest{
		DocID:      s.docID,
		ClientID:   s.clientID,
		Snapshot:   snapshot,
		VersionTag: base64.StdEncoding.EncodeToString(version),
	})
	return err
}

// GetStatus returns the current UI-facing status.
func (s *SyncService) GetStatus() Status {
	return s.status.Current()
}

// GetClientID returns this instance's stable client identifier.
func (s *SyncService) GetClientID() string {
	return s.clientID
}

// GetLastSyncTime returns the server-clock watermark in milliseconds.
func (s *SyncService) GetLastSyncTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncTime
}

// HasPendingUpdates reports whether a long-poll notification is awaiting a
// successful reconciliation cycle.
func (s *SyncService) HasPendingUpdates() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingUpdates
}

// registerWithServer obtains the initial watermark from the server clock.
// Client clocks are never trusted for watermarks; skew would lose or
// duplicate updates.
func (s *SyncService) registerWithServer(ctx context.Context) {
	for {
		state, err := s.api.syncState(ctx, s.docID, s.clientID, 0, false)
		if err == nil {
			s.mu.Lock()
			s.lastSyncTime = state.ServerTime
			s.lastSuccessfulSync = s.clock()
			s.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.status.Set(StatusError, map[string]any{"source": "register", "error": err.Error()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.registerRetryDelay):
		}
	}
}

// backupLoop is the safety net behind the long-poll: a normal cycle every
// interval, forced when no cycle has succeeded within three intervals.
func (s *SyncService) backupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.clock().Sub(s.lastSuccessfulSync) > staleSyncIntervalMultiplier*s.syncInterval
			s.mu.Unlock()
			if stale {
				_ = s.ForceSyncWithServer(ctx)
			} else {
				_ = s.SyncWithServer(ctx, false)
			}
		}
	}
}

// longPollLoop keeps one poll outstanding, paced to at most one request per
// pacing interval, with exponential backoff on failure. Poll timestamps do
// not advance the watermark; only pull responses do, so a notification can
// never skip past the updates it announces.
func (s *SyncService) longPollLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pollStart := s.clock()

		s.mu.Lock()
		since := s.lastSyncTime
		s.mu.Unlock()

		response, err := s.api.longPoll(ctx, s.docID, s.clientID, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.status.Set(StatusError, map[string]any{"source": "long-poll", "error": err.Error()})
			s.mu.Lock()
			s.retryCount++
			retries := s.retryCount
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(s.backoffBase, s.backoffCeiling, retries)):
			}
			continue
		}

		if response.Type == protocol.PollTypeUpdatesAvailable {
			s.mu.Lock()
			s.pendingUpdates = true
			s.mu.Unlock()
			// Optimistic UI nudge before the data actually lands.
			s.emit(Event{
				Type:      protocol.EventUpdatesReceived,
				Timestamp: s.clock(),
				Details:   map[string]any{"source": "long-poll", "forceUpdate": true},
			})
			_ = s.SyncWithServer(ctx, true)
		}

		s.mu.Lock()
		s.retryCount = 0
		s.mu.Unlock()

		wait := s.pollPacing
		if !response.RateLimit {
			elapsed := s.clock().Sub(pollStart)
			wait = s.pollPacing - elapsed
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (s *SyncService) doSync(ctx context.Context, highPriority bool) error {
	cycleStart := s.clock()

	// A push after a failed pull would build on a stale base, so pull
	// failure ends the cycle here.
	if err := s.pullUpdates(ctx); err != nil {
		s.handleSyncFailure(err, highPriority)
		return err
	}
	if err := s.pushUpdates(ctx); err != nil {
		s.handleSyncFailure(err, highPriority)
		return err
	}

	s.mu.Lock()
	s.lastSuccessfulSync = s.clock()
	s.pendingUpdates = false
	s.mu.Unlock()

	s.status.Set(StatusSuccess, nil)
	s.emit(Event{
		Type:      protocol.EventSyncComplete,
		Timestamp: s.clock(),
		Details: map[string]any{
			"syncDurationMs": s.clock().Sub(cycleStart).Milliseconds(),
			"highPriority":   highPriority,
		},
	})

	resetDelay := s.successResetDelay
	if highPriority {
		resetDelay = s.highPriorityReset
	}
	s.status.ScheduleReset(StatusSuccess, resetDelay)
	return nil
}

func (s *SyncService) handleSyncFailure(err error, highPriority bool) {
	s.status.Set(StatusError, map[string]any{"error": err.Error()})
	s.status.ScheduleReset(StatusError, s.errorResetDelay)

	s.mu.Lock()
	pending := s.pendingUpdates
	active := s.active
	retryCtx := s.runCtx
	s.mu.Unlock()
	if !pending || !active {
		return
	}

	retryDelay := s.pendingRetryDelay
	if highPriority {
		retryDelay = s.highPriorityRetry
	}
	time.AfterFunc(retryDelay, func() {
		s.mu.Lock()
		stillPending := s.pendingUpdates && s.active
		s.mu.Unlock()
		if !stillPending {
			return
		}
		ctx := retryCtx
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.ForceSyncWithServer(ctx)
	})
}

// pullUpdates lists updates past the watermark and applies each payload.
// The watermark advances to the reported server time even when nothing was
// returned. A missing update is skipped; other per-update failures still let
// siblings apply but fail the cycle afterwards.
func (s *SyncService) pullUpdates(ctx context.Context) error {
	s.mu.Lock()
	since := s.lastSyncTime
	s.mu.Unlock()

	state, err := s.api.syncState(ctx, s.docID, s.clientID, since, true)
	if err != nil {
		return err
	}
	s.advanceWatermark(state.ServerTime)

	var firstErr error
	for _, metadata := range state.Updates {
		if err := s.fetchAndApplyUpdate(ctx, metadata.UpdateID); err != nil {
			if errors.Is(err, ErrUpdateNotFound) {
				s.logger.Warn("update no longer available, skipping",
					zap.String("doc_id", s.docID),
					zap.String("update_id", metadata.UpdateID))
				continue
			}
			s.logger.Warn("failed to apply update",
				zap.String("doc_id", s.docID),
				zap.String("update_id", metadata.UpdateID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *SyncService) fetchAndApplyUpdate(ctx context.Context, updateID string) error {
	response, err := s.api.fetchUpdate(ctx, s.docID, updateID)
	if err != nil {
		return err
	}
	if err := s.doc.Import(response.Updates); err != nil {
		return fmt.Errorf("import update %s: %w", updateID, err)
	}
	s.emit(Event{
		Type:      protocol.EventUpdatesReceived,
		Timestamp: s.clock(),
		Details: map[string]any{
			"updateId":    updateID,
			"clientId":    response.ClientID,
			"forceUpdate": true,
		},
	})
	return nil
}

func (s *SyncService) pushUpdates(ctx context.Context) error {
	payload, err := s.doc.Export(ExportModeUpdate)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	updateID, err := s.ids.NewID()
	if err != nil {
		return err
	}

	_, err = s.api.pushUpdate(ctx, protocol.PushRequest{
		DocID:    s.docID,
		ClientID: s.clientID,
		Updates:  payload,
		UpdateID: updateID,
	})
	return err
}

// advanceWatermark moves lastSyncTime forward only; server responses arriving
// out of order must not rewind it.
func (s *SyncService) advanceWatermark(serverTimeMillis int64) {
	s.mu.Lock()
	if serverTimeMillis > s.lastSyncTime {
		s.lastSyncTime = serverTimeMillis
	}
	s.mu.Unlock()
}

func backoffDelay(base, ceiling time.Duration, retries int) time.Duration {
	delay := float64(base)
	for attempt := 1; attempt < retries; attempt++ {
		delay *= 1.5
	}
	if delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
