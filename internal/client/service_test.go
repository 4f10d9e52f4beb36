package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/protocol"
)

type fakeDocument struct {
	mu       sync.Mutex
	pending  []byte
	imported [][]byte
	version  []byte
}

func (d *fakeDocument) Export(mode ExportMode) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode == ExportModeSnapshot {
		return append([]byte(nil), d.version...), nil
	}
	payload := d.pending
	d.pending = nil
	return payload, nil
}

func (d *fakeDocument) Import(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.imported = append(d.imported, append([]byte(nil), data...))
	return nil
}

func (d *fakeDocument) Version() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.version...), nil
}

func (d *fakeDocument) stage(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append([]byte(nil), payload...)
}

func (d *fakeDocument) importedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.imported)
}

// stubRelay fakes the server side of the wire protocol for service tests.
type stubRelay struct {
	mu         sync.Mutex
	serverTime int64
	updates    []protocol.UpdateMetadata
	payloads   map[string]protocol.Payload
	pullDelay  time.Duration
	failPulls  int

	pullCount      int
	pushCount      int
	fetchCount     int
	pollCount      int
	pulledWatermks []string
	pushes         []protocol.PushRequest
}

func newStubRelay() *stubRelay {
	return &stubRelay{serverTime: 1000, payloads: make(map[string]protocol.Payload)}
}

func (s *stubRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("longPoll") == "true" {
				s.mu.Lock()
				s.pollCount++
				now := s.serverTime
				s.mu.Unlock()
				writeJSON(w, protocol.PollResponse{Type: protocol.PollTypeNoUpdates, DocID: r.URL.Query().Get("docId"), Timestamp: now})
				return
			}
			s.mu.Lock()
			s.pullCount++
			s.pulledWatermks = append(s.pulledWatermks, r.URL.Query().Get("lastSync"))
			delay := s.pullDelay
			fail := s.failPulls > 0
			if fail {
				s.failPulls--
			}
			now := s.serverTime
			updates := append([]protocol.UpdateMetadata(nil), s.updates...)
			s.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			writeJSON(w, protocol.SyncStateResponse{
				DocID:      r.URL.Query().Get("docId"),
				Clients:    []string{r.URL.Query().Get("clientId")},
				Updates:    updates,
				ServerTime: now,
			})
		case http.MethodPost:
			var request protocol.PushRequest
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.mu.Lock()
			s.pushCount++
			s.pushes = append(s.pushes, request)
			now := s.serverTime
			s.mu.Unlock()
			writeJSON(w, protocol.PushResponse{Success: true, Timestamp: now})
		case http.MethodPut:
			var request protocol.FetchRequest
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.mu.Lock()
			s.fetchCount++
			payload, ok := s.payloads[request.UpdateID]
			now := s.serverTime
			s.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, protocol.FetchResponse{
				DocID:     request.DocID,
				UpdateID:  request.UpdateID,
				Updates:   payload,
				Timestamp: now,
				ClientID:  "client-b",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/sync/snapshot", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		now := s.serverTime
		s.mu.Unlock()
		writeJSON(w, protocol.SnapshotResponse{Success: true, Timestamp: now})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func (s *stubRelay) counts() (pulls, pushes, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullCount, s.pushCount, s.fetchCount
}

func newTestService(t *testing.T, relay *stubRelay, doc *fakeDocument) (*SyncService, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(relay.handler())
	t.Cleanup(server.Close)

	service, err := NewSyncService(Config{
		BaseURL:           server.URL,
		DocID:             "doc-x",
		ClientID:          "client-a",
		Document:          doc,
		SyncInterval:      time.Hour,
		DisableLongPoll:   true,
		PendingRetryDelay: 50 * time.Millisecond,
		ErrorResetDelay:   time.Hour,
		SuccessResetDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build sync service: %v", err)
	}
	return service, server
}

func TestNewSyncServiceValidation(t *testing.T) {
	doc := &fakeDocument{}
	cases := []Config{
		{DocID: "doc-x", BaseURL: "http://localhost"},
		{Document: doc, BaseURL: "http://localhost"},
		{Document: doc, DocID: "doc-x"},
	}
	for index, cfg := range cases {
		if _, err := NewSyncService(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", index)
		}
	}

	service, err := NewSyncService(Config{Document: doc, DocID: "doc-x", BaseURL: "http://localhost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if service.GetClientID() == "" {
		t.Fatal("expected a generated client id")
	}
}

func TestSyncPullsAppliesAndPushes(t *testing.T) {
	relay := newStubRelay()
	relay.updates = []protocol.UpdateMetadata{{ClientID: "client-b", Timestamp: 900, UpdateID: "u1"}}
	relay.payloads["u1"] = protocol.Payload{4, 5, 6}
	doc := &fakeDocument{}
	doc.stage([]byte{9})
	service, _ := newTestService(t, relay, doc)

	var eventsMu sync.Mutex
	var types []string
	service.AddListener(func(event Event) {
		eventsMu.Lock()
		types = append(types, event.Type)
		eventsMu.Unlock()
	})

	if err := service.SyncWithServer(context.Background(), false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if doc.importedCount() != 1 {
		t.Fatalf("expected one imported update, got %d", doc.importedCount())
	}
	if string(doc.imported[0]) != string([]byte{4, 5, 6}) {
		t.Fatalf("unexpected imported payload %v", doc.imported[0])
	}

	_, pushes, _ := relay.counts()
	if pushes != 1 {
		t.Fatalf("expected one push, got %d", pushes)
	}
	relay.mu.Lock()
	pushed := relay.pushes[0]
	relay.mu.Unlock()
	if pushed.ClientID != "client-a" || string(pushed.Updates) != string([]byte{9}) || pushed.UpdateID == "" {
		t.Fatalf("unexpected push request %#v", pushed)
	}

	if service.GetStatus() != StatusSuccess {
		t.Fatalf("expected success status, got %s", service.GetStatus())
	}
	if service.GetLastSyncTime() != relay.serverTime {
		t.Fatalf("expected watermark %d, got %d", relay.serverTime, service.GetLastSyncTime())
	}

	eventsMu.Lock()
	defer eventsMu.Unlock()
	var sawComplete bool
	for _, eventType := range types {
		if eventType == protocol.EventSyncComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatalf("expected a sync-complete event, got %v", types)
	}
}

func TestSyncSkipsPushWithoutLocalChanges(t *testing.T) {
	relay := newStubRelay()
	service, _ := newTestService(t, relay, &fakeDocument{})

	if err := service.SyncWithServer(context.Background(), false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	_, pushes, _ := relay.counts()
	if pushes != 0 {
		t.Fatalf("expected no push for an empty export, got %d", pushes)
	}
}

func TestWatermarkNeverRewinds(t *testing.T) {
	relay := newStubRelay()
	service, _ := newTestService(t, relay, &fakeDocument{})

	if err := service.SyncWithServer(context.Background(), false); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if service.GetLastSyncTime() != 1000 {
		t.Fatalf("expected watermark 1000, got %d", service.GetLastSyncTime())
	}

	relay.mu.Lock()
	relay.serverTime = 50
	relay.mu.Unlock()

	if err := service.SyncWithServer(context.Background(), false); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if service.GetLastSyncTime() != 1000 {
		t.Fatalf("expected watermark to hold at 1000, got %d", service.GetLastSyncTime())
	}

	relay.mu.Lock()
	watermarks := append([]string(nil), relay.pulledWatermks...)
	relay.mu.Unlock()
	if len(watermarks) != 2 || watermarks[1] != "1000" {
		t.Fatalf("expected second pull to carry watermark 1000, got %v", watermarks)
	}
}

func TestConcurrentSyncsShareOneCycle(t *testing.T) {
	relay := newStubRelay()
	relay.pullDelay = 100 * time.Millisecond
	service, _ := newTestService(t, relay, &fakeDocument{})

	var wg sync.WaitGroup
	for worker := 0; worker < 5; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := service.SyncWithServer(context.Background(), false); err != nil {
				t.Errorf("sync failed: %v", err)
			}
		}()
	}
	wg.Wait()

	pulls, _, _ := relay.counts()
	if pulls != 1 {
		t.Fatalf("expected the cycles to coalesce into one pull, got %d", pulls)
	}
}

func TestMissingUpdateIsSkipped(t *testing.T) {
	relay := newStubRelay()
	relay.updates = []protocol.UpdateMetadata{
		{ClientID: "client-b", Timestamp: 900, UpdateID: "gone"},
		{ClientID: "client-b", Timestamp: 901, UpdateID: "u2"},
	}
	relay.payloads["u2"] = protocol.Payload{7}
	doc := &fakeDocument{}
	service, _ := newTestService(t, relay, doc)

	if err := service.SyncWithServer(context.Background(), false); err != nil {
		t.Fatalf("expected missing update to be skipped, got %v", err)
	}
	if doc.importedCount() != 1 {
		t.Fatalf("expected one applied update, got %d", doc.importedCount())
	}
}

func TestPullFailureAbortsPush(t *testing.T) {
	relay := newStubRelay()
	relay.failPulls = 1
	doc := &fakeDocument{}
	doc.stage([]byte{9})
	service, _ := newTestService(t, relay, doc)

	if err := service.SyncWithServer(context.Background(), false); err == nil {
		t.Fatal("expected sync to fail")
	}

	_, pushes, _ := relay.counts()
	if pushes != 0 {
		t.Fatalf("expected no push after a failed pull, got %d", pushes)
	}
	if service.GetStatus() != StatusError {
		t.Fatalf("expected error status, got %s", service.GetStatus())
	}
}

func TestFailedCycleRetriesWhileUpdatesPending(t *testing.T) {
	relay := newStubRelay()
	relay.failPulls = 1
	service, _ := newTestService(t, relay, &fakeDocument{})

	service.mu.Lock()
	service.pendingUpdates = true
	service.active = true
	service.runCtx = context.Background()
	service.mu.Unlock()

	if err := service.SyncWithServer(context.Background(), false); err == nil {
		t.Fatal("expected first cycle to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for service.HasPendingUpdates() {
		if time.Now().After(deadline) {
			t.Fatal("expected a retry to clear pending updates")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pulls, _, _ := relay.counts()
	if pulls < 2 {
		t.Fatalf("expected a retry pull, got %d", pulls)
	}
}

func TestStartSyncRegistersAndStopSyncGoesIdle(t *testing.T) {
	relay := newStubRelay()
	service, _ := newTestService(t, relay, &fakeDocument{})

	service.StartSync()
	defer service.StopSync()

	deadline := time.Now().Add(2 * time.Second)
	for service.GetLastSyncTime() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected registration to set the watermark")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if service.GetLastSyncTime() != relay.serverTime {
		t.Fatalf("expected watermark %d, got %d", relay.serverTime, service.GetLastSyncTime())
	}

	service.StopSync()
	if service.GetStatus() != StatusIdle {
		t.Fatalf("expected idle after stop, got %s", service.GetStatus())
	}
}

func TestSyncSnapshotUploadsFullState(t *testing.T) {
	relay := newStubRelay()
	doc := &fakeDocument{version: []byte{1, 2}}
	service, _ := newTestService(t, relay, doc)

	if err := service.SyncSnapshot(context.Background()); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := time.Second
	ceiling := 10 * time.Second

	if got := backoffDelay(base, ceiling, 1); got != base {
		t.Fatalf("expected base delay on first retry, got %v", got)
	}
	if got := backoffDelay(base, ceiling, 2); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s on second retry, got %v", got)
	}
	if got := backoffDelay(base, ceiling, 20); got != ceiling {
		t.Fatalf("expected delay capped at ceiling, got %v", got)
	}
}
