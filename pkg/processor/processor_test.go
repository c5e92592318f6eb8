package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/verifika/report-engine/pkg/common/logger"
	"github.com/verifika/report-engine/pkg/confirmation"
	"github.com/verifika/report-engine/pkg/observability/metrics"
	"github.com/verifika/report-engine/pkg/report"
)

func TestMain(m *testing.M) {
	logger.Init()
	metrics.Init()
	os.Exit(m.Run())
}

// memStore is an in-memory Store used to exercise the state machine without
// a database. Selection mirrors the repository's bucket order: NEW first,
// then TIME retries past backoff, then commit retries, oldest first.
type memStore struct {
	mu            sync.Mutex
	reports       map[string]*report.Report
	slices        map[string]*report.ReportSlice
	archives      map[string]*report.ReportArchive
	sliceArchives map[string]*report.ReportSliceArchive
	policy        report.RetryPolicy

	updates         map[string][]map[string]interface{}
	released        []string
	updateErr       error
	archiveFailures int
	onUpdate        func()
}

func newMemStore(policy report.RetryPolicy) *memStore {
	return &memStore{
		reports:       map[string]*report.Report{},
		slices:        map[string]*report.ReportSlice{},
		archives:      map[string]*report.ReportArchive{},
		sliceArchives: map[string]*report.ReportSliceArchive{},
		policy:        policy,
		updates:       map[string][]map[string]interface{}{},
	}
}

func (s *memStore) add(rec *report.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[rec.ID] = rec
}

func (s *memStore) addSlice(slice *report.ReportSlice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slices[slice.ID] = slice
}

func (s *memStore) eligible(now time.Time, status report.EngineStatus) []*report.Report {
	var out []*report.Report
	for _, rec := range s.reports {
		if rec.ClaimedBy != "" {
			continue
		}
		if rec.EligibleAt(now, status, s.policy) {
			out = append(out, rec)
		}
	}
	bucket := func(rec *report.Report) int {
		switch {
		case rec.State == report.StateNew:
			return 0
		case report.IsTerminal(rec.State):
			return 3
		case rec.RetryType == report.RetryGitCommit:
			return 2
		default:
			return 1
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if bucket(out[i]) != bucket(out[j]) {
			return bucket(out[i]) < bucket(out[j])
		}
		return out[i].LastUpdateTime.Before(out[j].LastUpdateTime)
	})
	return out
}

func (s *memStore) NextEligible(ctx context.Context, now time.Time, status report.EngineStatus) (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := s.eligible(now, status)
	if len(eligible) == 0 {
		return nil, nil
	}
	rec := eligible[0]
	rec.ClaimedBy = "test-worker"
	return rec, nil
}

func (s *memStore) CountQueued(ctx context.Context, now time.Time, status report.EngineStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.eligible(now, status))), nil
}

func (s *memStore) UpdateReport(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.reports[id]; !ok {
		return fmt.Errorf("report %s not found", id)
	}
	s.updates[id] = append(s.updates[id], fields)
	if s.onUpdate != nil {
		s.onUpdate()
	}
	return nil
}

func (s *memStore) CreateSlice(ctx context.Context, slice *report.ReportSlice) error {
	s.addSlice(slice)
	return nil
}

func (s *memStore) SlicesForReport(ctx context.Context, reportID string) ([]report.ReportSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []report.ReportSlice
	for _, slice := range s.slices {
		if slice.ReportID == reportID {
			out = append(out, *slice)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreationTime.Before(out[j].CreationTime)
	})
	return out, nil
}

func (s *memStore) UpdateSlice(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slice, ok := s.slices[id]
	if !ok {
		return fmt.Errorf("slice %s not found", id)
	}
	if v, ok := fields["state"].(string); ok {
		slice.State = v
	}
	if v, ok := fields["state_info"].(datatypes.JSON); ok {
		slice.StateInfo = v
	}
	if v, ok := fields["ready_to_archive"].(bool); ok {
		slice.ReadyToArchive = v
	}
	return nil
}

func (s *memStore) ArchiveReport(ctx context.Context, rec *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archiveFailures > 0 {
		s.archiveFailures--
		return fmt.Errorf("archive store unavailable")
	}
	if _, ok := s.archives[rec.ID]; !ok {
		s.archives[rec.ID] = &report.ReportArchive{
			ID:               uuid.New().String(),
			ReportID:         rec.ID,
			Account:          rec.Account,
			RequestID:        rec.RequestID,
			State:            rec.State,
			ReportPlatformID: rec.ReportPlatformID,
		}
		for id, slice := range s.slices {
			if slice.ReportID != rec.ID {
				continue
			}
			s.sliceArchives[id] = &report.ReportSliceArchive{
				ID:      uuid.New().String(),
				SliceID: slice.ID,
				State:   slice.State,
			}
		}
	}
	for id, slice := range s.slices {
		if slice.ReportID == rec.ID {
			delete(s.slices, id)
		}
	}
	delete(s.reports, rec.ID)
	return nil
}

func (s *memStore) DuplicateReports(ctx context.Context, platformID, excludeID string) ([]report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []report.Report
	for _, rec := range s.reports {
		if rec.ID == excludeID || rec.ReportPlatformID != platformID || !rec.ReadyToArchive {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdateTime.Before(out[j].LastUpdateTime)
	})
	return out, nil
}

func (s *memStore) ReleaseClaim(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	if rec, ok := s.reports[id]; ok {
		rec.ClaimedBy = ""
	}
	return nil
}

type fakeConfirmer struct {
	err      error
	requests []confirmation.Request
}

func (c *fakeConfirmer) Confirm(ctx context.Context, req confirmation.Request) error {
	c.requests = append(c.requests, req)
	return c.err
}

type fakePublisher struct {
	events []string
}

func (p *fakePublisher) PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error {
	p.events = append(p.events, eventType)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *memStore, *fakeConfirmer, *fakePublisher) {
	t.Helper()
	store := newMemStore(report.DefaultRetryPolicy())
	confirmer := &fakeConfirmer{}
	publisher := &fakePublisher{}
	proc := New(Options{
		Store:     store,
		Confirmer: confirmer,
		Publisher: publisher,
		Policy:    store.policy,
		Engine:    report.EngineStatus{GitCommit: "abc123", StartTime: time.Now().UTC()},
	})
	return proc, store, confirmer, publisher
}

func newTestReport(state string, msg *report.UploadMessage) *report.Report {
	raw := datatypes.JSON(`{}`)
	account, requestID := "", ""
	if msg != nil {
		account = msg.Account
		requestID = msg.RequestID
		encoded, _ := json.Marshal(msg)
		raw = datatypes.JSON(encoded)
	}
	now := time.Now().UTC()
	return &report.Report{
		ID:               uuid.New().String(),
		Account:          account,
		RequestID:        requestID,
		State:            state,
		StateInfo:        report.InitialStateInfo(state),
		RawUploadMessage: raw,
		ArrivalTime:      now,
		LastUpdateTime:   now,
	}
}

func hold(p *Processor, store *memStore, rec *report.Report) {
	store.add(rec)
	p.report = rec
}

func TestTransitionToStarted(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateNew, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateStarted {
		t.Fatalf("expected STARTED, got %s", rec.State)
	}
	if rec.ProcessingStartTime == nil {
		t.Fatal("processing_start_time should be set")
	}
	history := report.StateHistory(rec.StateInfo)
	if len(history) != 2 || history[1] != report.StateStarted {
		t.Fatalf("unexpected state history: %v", history)
	}
}

func TestDownloadSuccessAdvancesToDownloaded(t *testing.T) {
	archive := tarBuffer(t, map[string][]byte{
		"metadata.json": jsonBytes(t, map[string]interface{}{
			"report_id":     "platform-1",
			"source":        "marketplace",
			"report_slices": map[string]interface{}{"slice-a": map[string]interface{}{}},
		}),
		"slice-a.json": jsonBytes(t, map[string]interface{}{"report_slice_id": "slice-a"}),
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateStarted, &report.UploadMessage{
		URL: server.URL, Account: "1234", RequestID: "r-1",
	})
	rec.RetryCount = 2
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateDownloaded {
		t.Fatalf("expected DOWNLOADED, got %s", rec.State)
	}
	if rec.ReportPlatformID != "platform-1" {
		t.Fatalf("expected platform id from manifest, got %q", rec.ReportPlatformID)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("retry count should reset on success, got %d", rec.RetryCount)
	}
	slices, _ := store.SlicesForReport(context.Background(), rec.ID)
	if len(slices) != 1 {
		t.Fatalf("expected 1 slice, got %d", len(slices))
	}
	if slices[0].ReportSliceID != "slice-a" || slices[0].State != report.StateNew {
		t.Fatalf("unexpected slice: %+v", slices[0])
	}
}

func TestDownloadMissingURLFailsPermanently(t *testing.T) {
	proc, store, _, publisher := newTestProcessor(t)
	rec := newTestReport(report.StateStarted, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	hold(proc, store, rec)

	before := metrics.TerminalStateCount(report.StateFailedDownload, "1234")
	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateFailedDownload {
		t.Fatalf("expected FAILED_DOWNLOAD, got %s", rec.State)
	}
	if !rec.ReadyToArchive {
		t.Fatal("terminal record should be flagged ready_to_archive")
	}
	if got := metrics.TerminalStateCount(report.StateFailedDownload, "1234"); got != before+1 {
		t.Fatalf("expected terminal counter to increment, got %d", got)
	}
	if len(publisher.events) != 1 || publisher.events[0] != report.StateFailedDownload {
		t.Fatalf("expected one FAILED_DOWNLOAD lifecycle event, got %v", publisher.events)
	}
}

func TestDownloadServerErrorSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateStarted, &report.UploadMessage{
		URL: server.URL, Account: "1234", RequestID: "r-1",
	})
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateStarted {
		t.Fatalf("state should be unchanged on retry, got %s", rec.State)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", rec.RetryCount)
	}
	if rec.RetryType != report.RetryTime {
		t.Fatalf("expected TIME retry, got %q", rec.RetryType)
	}
	if rec.GitCommit != "abc123" {
		t.Fatalf("retry attempt should stamp the running commit, got %q", rec.GitCommit)
	}
	if len(store.released) != 1 || store.released[0] != rec.ID {
		t.Fatalf("record should go back to the queue, released=%v", store.released)
	}
	if proc.report != nil {
		t.Fatal("processor should be reset after scheduling a retry")
	}
}

func TestRetryLimitForcesTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateStarted, &report.UploadMessage{
		URL: server.URL, Account: "1234", RequestID: "r-1",
	})
	rec.RetryCount = 4
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateFailedDownload {
		t.Fatalf("expected FAILED_DOWNLOAD past the retry limit, got %s", rec.State)
	}
	if !rec.ReadyToArchive {
		t.Fatal("exhausted record should be flagged ready_to_archive")
	}
	if rec.RetryCount != 5 {
		t.Fatalf("final attempt still counts, got retry count %d", rec.RetryCount)
	}
}

func TestExtractFailureRetriesOnNewCommit(t *testing.T) {
	// A slice that is text but not JSON schedules a commit-gated retry.
	archive := tarBuffer(t, map[string][]byte{
		"metadata.json": jsonBytes(t, map[string]interface{}{
			"report_id":     "platform-1",
			"source":        "marketplace",
			"report_slices": map[string]interface{}{"slice-a": map[string]interface{}{}},
		}),
		"slice-a.json": []byte("not json at all"),
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateStarted, &report.UploadMessage{
		URL: server.URL, Account: "1234", RequestID: "r-1",
	})
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateStarted {
		t.Fatalf("state should be unchanged on retry, got %s", rec.State)
	}
	if rec.RetryType != report.RetryGitCommit {
		t.Fatalf("expected GIT_COMMIT retry, got %q", rec.RetryType)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", rec.RetryCount)
	}
}

func TestTransitionToValidatedMixedSlices(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateDownloaded, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	rec.ReportPlatformID = "platform-1"
	hold(proc, store, rec)

	good := &report.ReportSlice{
		ID: uuid.New().String(), ReportID: rec.ID, ReportSliceID: "good",
		State: report.StateNew, StateInfo: report.InitialStateInfo(report.StateNew),
		ReportJSON:   datatypes.JSON(`{"report_slice_id":"good"}`),
		CreationTime: time.Now().UTC(),
	}
	bad := &report.ReportSlice{
		ID: uuid.New().String(), ReportID: rec.ID, ReportSliceID: "bad",
		State: report.StateNew, StateInfo: report.InitialStateInfo(report.StateNew),
		ReportJSON:   datatypes.JSON(`{"other":"field"}`),
		CreationTime: time.Now().UTC().Add(time.Millisecond),
	}
	store.addSlice(good)
	store.addSlice(bad)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateValidated {
		t.Fatalf("expected VALIDATED, got %s", rec.State)
	}
	if rec.UploadAckStatus != report.SuccessConfirmStatus {
		t.Fatalf("one valid slice should yield success ack, got %q", rec.UploadAckStatus)
	}
	if good.State != report.StateValidated || !good.ReadyToArchive {
		t.Fatalf("good slice should be VALIDATED and ready, got %+v", good)
	}
	if bad.State != report.StateFailedValidation || !bad.ReadyToArchive {
		t.Fatalf("bad slice should be FAILED_VALIDATION and ready, got %+v", bad)
	}
	history := report.StateHistory(good.StateInfo)
	if len(history) != 3 || history[1] != report.StatePending {
		t.Fatalf("slice should pass through PENDING, got %v", history)
	}
}

func TestTransitionToValidatedAllInvalid(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateDownloaded, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	hold(proc, store, rec)

	store.addSlice(&report.ReportSlice{
		ID: uuid.New().String(), ReportID: rec.ID, ReportSliceID: "bad",
		State: report.StateNew, StateInfo: report.InitialStateInfo(report.StateNew),
		ReportJSON:   datatypes.JSON(`{"report_slice_id":""}`),
		CreationTime: time.Now().UTC(),
	})

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateValidated {
		t.Fatalf("parent always advances to VALIDATED, got %s", rec.State)
	}
	if rec.UploadAckStatus != report.FailureConfirmStatus {
		t.Fatalf("no valid slices should yield failure ack, got %q", rec.UploadAckStatus)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("validation outcome is not a retryable failure, got retry count %d", rec.RetryCount)
	}
}

func TestValidationReportedSuccess(t *testing.T) {
	proc, store, confirmer, publisher := newTestProcessor(t)
	rec := newTestReport(report.StateValidated, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	rec.ReportPlatformID = "platform-1"
	rec.UploadAckStatus = report.SuccessConfirmStatus
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(confirmer.requests) != 1 {
		t.Fatalf("expected one confirmation call, got %d", len(confirmer.requests))
	}
	req := confirmer.requests[0]
	if req.RequestID != "r-1" || req.ValidationResult != report.SuccessConfirmStatus || req.ReportPlatformID != "platform-1" {
		t.Fatalf("unexpected confirmation request: %+v", req)
	}
	if rec.State != report.StateValidationReported {
		t.Fatalf("expected VALIDATION_REPORTED, got %s", rec.State)
	}
	if _, ok := store.archives[rec.ID]; !ok {
		t.Fatal("terminal record should be archived")
	}
	if _, ok := store.reports[rec.ID]; ok {
		t.Fatal("archived record should be removed from the live table")
	}
	if proc.report != nil {
		t.Fatal("processor should be reset after archiving")
	}
	if len(publisher.events) != 1 || publisher.events[0] != report.StateValidationReported {
		t.Fatalf("expected one VALIDATION_REPORTED event, got %v", publisher.events)
	}
}

func TestConfirmationExhaustionDeduplicates(t *testing.T) {
	proc, store, confirmer, _ := newTestProcessor(t)
	confirmer.err = fmt.Errorf("confirmation endpoint unavailable")
	rec := newTestReport(report.StateValidated, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	rec.ReportPlatformID = "platform-1"
	rec.RetryCount = 4
	hold(proc, store, rec)

	dup := newTestReport(report.StateFailedValidation, nil)
	dup.ReportPlatformID = "platform-1"
	dup.ReadyToArchive = true
	dup.LastUpdateTime = time.Now().UTC().Add(-time.Hour)
	store.add(dup)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateFailedValidation {
		t.Fatalf("expected FAILED_VALIDATION past the retry limit, got %s", rec.State)
	}
	if _, ok := store.archives[rec.ID]; !ok {
		t.Fatal("exhausted record should be archived")
	}
	if _, ok := store.archives[dup.ID]; !ok {
		t.Fatal("duplicates should be collapsed on the exhausted path too")
	}
	if proc.report != nil {
		t.Fatal("processor should be reset after archiving")
	}
}

func TestValidationReportedFailureRetries(t *testing.T) {
	proc, store, confirmer, _ := newTestProcessor(t)
	confirmer.err = fmt.Errorf("confirmation endpoint unavailable")
	rec := newTestReport(report.StateValidated, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	rec.UploadAckStatus = report.SuccessConfirmStatus
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != report.StateValidated {
		t.Fatalf("state should be unchanged on confirmation retry, got %s", rec.State)
	}
	if rec.RetryCount != 1 || rec.RetryType != report.RetryTime {
		t.Fatalf("expected one TIME retry, got count=%d type=%q", rec.RetryCount, rec.RetryType)
	}
	if _, ok := store.archives[rec.ID]; ok {
		t.Fatal("record must not be archived before the confirmation succeeds")
	}
	if proc.report != nil {
		t.Fatal("processor should be reset after scheduling a retry")
	}
}

func TestArchiveNotReadyReleases(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateFailedDownload, nil)
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.archives[rec.ID]; ok {
		t.Fatal("record without ready_to_archive must not be archived")
	}
	if len(store.released) != 1 {
		t.Fatalf("record should be released, got %v", store.released)
	}
	if proc.report != nil {
		t.Fatal("processor should be reset either way")
	}
}

func TestArchiveMovesSlices(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateFailedValidation, nil)
	rec.ReadyToArchive = true
	hold(proc, store, rec)

	slice := &report.ReportSlice{
		ID: uuid.New().String(), ReportID: rec.ID, ReportSliceID: "a",
		State: report.StateFailedValidation, ReadyToArchive: true,
		CreationTime: time.Now().UTC(),
	}
	store.addSlice(slice)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.archives[rec.ID]; !ok {
		t.Fatal("record should be archived")
	}
	if _, ok := store.sliceArchives[slice.ID]; !ok {
		t.Fatal("slice should be archived with its parent")
	}
	if len(store.slices) != 0 {
		t.Fatalf("live slices should be removed, got %d", len(store.slices))
	}
}

func TestArchiveFailureKeepsRecordSelectable(t *testing.T) {
	// A transient archive failure releases the claim; the terminal record
	// must be re-selected and archived on a later pass.
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateValidationReported, nil)
	rec.ReadyToArchive = true
	store.archiveFailures = 1
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err == nil {
		t.Fatal("expected the failed archive pass to surface an error")
	}
	if proc.report != nil {
		t.Fatal("processor should be reset after the failed pass")
	}
	if _, ok := store.reports[rec.ID]; !ok {
		t.Fatal("record should still be live after the failed pass")
	}

	ctx := context.Background()
	next, err := store.NextEligible(ctx, time.Now().UTC(), proc.engine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || next.ID != rec.ID {
		t.Fatal("terminal record awaiting archival should be re-selected")
	}

	proc.report = next
	if err := proc.delegateState(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.archives[rec.ID]; !ok {
		t.Fatal("record should be archived on the retry pass")
	}
	if _, ok := store.reports[rec.ID]; ok {
		t.Fatal("archived record should be removed from the live table")
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	_, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateValidationReported, nil)
	rec.ReadyToArchive = true
	store.add(rec)

	if err := store.ArchiveReport(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := store.archives[rec.ID]
	if err := store.ArchiveReport(context.Background(), rec); err != nil {
		t.Fatalf("archiving an already-archived id must not raise: %v", err)
	}
	if store.archives[rec.ID] != first {
		t.Fatal("a second archival pass must not create a duplicate archive row")
	}
}

func TestDeduplicateArchivesOlderDuplicates(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateValidated, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	rec.ReportPlatformID = "platform-1"
	hold(proc, store, rec)

	dup := newTestReport(report.StateFailedValidation, nil)
	dup.ReportPlatformID = "platform-1"
	dup.ReadyToArchive = true
	dup.LastUpdateTime = time.Now().UTC().Add(-time.Hour)
	store.add(dup)

	notReady := newTestReport(report.StateValidated, nil)
	notReady.ReportPlatformID = "platform-1"
	store.add(notReady)

	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.archives[dup.ID]; !ok {
		t.Fatal("ready duplicate should be archived")
	}
	if _, ok := store.archives[notReady.ID]; ok {
		t.Fatal("duplicate not flagged ready must be left alone")
	}
	if _, ok := store.archives[rec.ID]; !ok {
		t.Fatal("the held record itself should be archived")
	}
}

func TestResetVariables(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateNew, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	hold(proc, store, rec)
	if err := proc.delegateState(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	proc.resetVariables()
	if proc.report != nil || proc.state != "" || proc.accountNumber != "" ||
		proc.reportPlatformID != "" || proc.uploadMessage != nil || proc.status != "" {
		t.Fatal("resetVariables must clear every per-iteration field")
	}
}

func TestUnknownStateIsAnError(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport("BOGUS", nil)
	hold(proc, store, rec)

	if err := proc.delegateState(context.Background()); err == nil {
		t.Fatal("expected an error for an unknown state")
	}
}

func TestRunLoopAssignsAndStops(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	rec := newTestReport(report.StateNew, &report.UploadMessage{Account: "1234", RequestID: "r-1"})
	store.add(rec)
	store.onUpdate = func() { proc.Stop() }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proc.Run(ctx)

	if rec.State != report.StateStarted {
		t.Fatalf("loop should have advanced the record to STARTED, got %s", rec.State)
	}
}

func TestCalculateQueuedObjects(t *testing.T) {
	proc, store, _, _ := newTestProcessor(t)
	now := time.Now().UTC()
	status := report.EngineStatus{GitCommit: "abc123"}

	store.add(newTestReport(report.StateNew, nil))

	stale := newTestReport(report.StateStarted, nil)
	stale.RetryType = report.RetryTime
	stale.LastUpdateTime = now.Add(-8 * time.Hour)
	store.add(stale)

	cooling := newTestReport(report.StateStarted, nil)
	cooling.RetryType = report.RetryTime
	cooling.LastUpdateTime = now.Add(-time.Minute)
	store.add(cooling)

	commitGated := newTestReport(report.StateDownloaded, nil)
	commitGated.RetryType = report.RetryGitCommit
	commitGated.GitCommit = "abc123"
	store.add(commitGated)

	count, err := proc.CalculateQueuedObjects(context.Background(), now, status)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 queued (NEW plus cooled-off retry), got %d", count)
	}
}
