package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"gorm.io/datatypes"

	"github.com/verifika/report-engine/pkg/common/httpclient"
	"github.com/verifika/report-engine/pkg/common/logger"
	"github.com/verifika/report-engine/pkg/confirmation"
	"github.com/verifika/report-engine/pkg/observability/metrics"
	"github.com/verifika/report-engine/pkg/report"
)

type retryAction int

const (
	retryKeep retryAction = iota
	retryIncrement
	retryClear
)

// updateOptions describes one atomic persistence step applied to the held
// record. When state is set, the resulting state is appended to state_info.
type updateOptions struct {
	state            string
	retry            retryAction
	retryType        string
	reportPlatformID string
	uploadAckStatus  string
	readyToArchive   *bool
	processingStart  *time.Time
}

// Processor drives assigned reports through the lifecycle state machine:
// NEW -> STARTED -> DOWNLOADED -> VALIDATED -> VALIDATION_REPORTED, with
// FAILED_DOWNLOAD and FAILED_VALIDATION as the failure terminals.
type Processor struct {
	store        Store
	confirmer    Confirmer
	publisher    EventPublisher
	httpClient   *http.Client
	policy       report.RetryPolicy
	engine       report.EngineStatus
	pollInterval time.Duration

	shouldRun atomic.Bool

	// Per-iteration fields, cleared by resetVariables after every full
	// cycle so nothing leaks into the next record.
	report           *report.Report
	state            string
	accountNumber    string
	reportPlatformID string
	uploadMessage    *report.UploadMessage
	status           string
}

type Options struct {
	Store           Store
	Confirmer       Confirmer
	Publisher       EventPublisher
	Policy          report.RetryPolicy
	Engine          report.EngineStatus
	PollInterval    time.Duration
	DownloadTimeout time.Duration
}

func New(opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 60 * time.Second
	}
	return &Processor{
		store:        opts.Store,
		confirmer:    opts.Confirmer,
		publisher:    opts.Publisher,
		httpClient:   httpclient.New(opts.DownloadTimeout),
		policy:       opts.Policy,
		engine:       opts.Engine,
		pollInterval: opts.PollInterval,
	}
}

// Run is the worker loop: select an eligible record, then delegate by state
// until the record is released, archived, or the loop is stopped. A failure
// on one record never stops the loop.
func (p *Processor) Run(ctx context.Context) {
	p.shouldRun.Store(true)
	for p.shouldRun.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.report == nil {
			if err := p.assignObject(ctx); err != nil {
				logger.Log.WithError(err).Error("failed to select next report")
			}
			if p.report == nil {
				select {
				case <-time.After(p.pollInterval):
				case <-ctx.Done():
					return
				}
				continue
			}
		}

		if err := p.safeDelegate(ctx); err != nil {
			logger.Log.WithError(err).WithField("report_id", p.reportID()).
				Error("unexpected error while processing report")
			p.releaseAndReset(ctx)
		}
	}
}

// Stop clears should_run; the loop exits after the current transition.
func (p *Processor) Stop() {
	p.shouldRun.Store(false)
}

func (p *Processor) safeDelegate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing report: %v", r)
		}
	}()
	return p.delegateState(ctx)
}

// assignObject picks the next eligible record off the store, if any.
func (p *Processor) assignObject(ctx context.Context) error {
	rec, err := p.store.NextEligible(ctx, time.Now().UTC(), p.engine)
	if err != nil {
		return err
	}
	p.report = rec
	return nil
}

// calculateQueuedObjects counts every record the selector would hand out at
// the given time, for backlog observability.
func (p *Processor) CalculateQueuedObjects(ctx context.Context, now time.Time, status report.EngineStatus) (int64, error) {
	return p.store.CountQueued(ctx, now, status)
}

// delegateState dispatches on the held record's current state. Every state
// the model defines is handled here; terminal states go to archival.
func (p *Processor) delegateState(ctx context.Context) error {
	rec := p.report
	if rec == nil {
		return nil
	}

	p.state = rec.State
	p.accountNumber = rec.Account
	p.reportPlatformID = rec.ReportPlatformID
	p.status = rec.UploadAckStatus
	if p.uploadMessage == nil {
		p.uploadMessage = parseUploadMessage(rec)
	}

	switch rec.State {
	case report.StateNew:
		return p.transitionToStarted(ctx)
	case report.StateStarted:
		return p.transitionToDownloaded(ctx)
	case report.StateDownloaded:
		return p.transitionToValidated(ctx)
	case report.StateValidated:
		return p.transitionToValidationReported(ctx)
	case report.StateValidationReported, report.StateFailedDownload, report.StateFailedValidation:
		return p.archiveReportAndSlices(ctx)
	default:
		return fmt.Errorf("report %s is in unknown state %q", rec.ID, rec.State)
	}
}

func (p *Processor) transitionToStarted(ctx context.Context) error {
	now := time.Now().UTC()
	return p.updateObjectState(ctx, updateOptions{
		state:           report.StateStarted,
		processingStart: &now,
	})
}

func (p *Processor) transitionToDownloaded(ctx context.Context) error {
	content, err := p.downloadReport(ctx)
	if err != nil {
		if errors.Is(err, ErrFailDownload) {
			logger.Log.WithError(err).WithField("report_id", p.reportID()).
				Warn("report can never be downloaded")
			return p.markTerminal(ctx, report.StateFailedDownload)
		}
		logger.Log.WithError(err).WithField("report_id", p.reportID()).
			Warn("report download failed, scheduling retry")
		return p.determineRetry(ctx, report.StateFailedDownload, report.RetryTime)
	}

	summary, err := p.extractAndCreateSlices(ctx, content)
	if err != nil {
		if errors.Is(err, ErrFailExtract) {
			logger.Log.WithError(err).WithField("report_id", p.reportID()).
				Warn("report archive is structurally invalid")
			return p.markTerminal(ctx, report.StateFailedDownload)
		}
		logger.Log.WithError(err).WithField("report_id", p.reportID()).
			Warn("report extraction failed, scheduling retry")
		return p.determineRetry(ctx, report.StateFailedDownload, report.RetryGitCommit)
	}

	p.reportPlatformID = summary.ReportPlatformID
	return p.updateObjectState(ctx, updateOptions{
		state:            report.StateDownloaded,
		retry:            retryClear,
		reportPlatformID: summary.ReportPlatformID,
	})
}

// transitionToValidated scores every pending slice and records the overall
// outcome in upload_ack_status. The parent always advances to VALIDATED; an
// internal failure just means no slice validated.
func (p *Processor) transitionToValidated(ctx context.Context) error {
	status := report.FailureConfirmStatus

	slices, err := p.store.SlicesForReport(ctx, p.report.ID)
	if err != nil {
		logger.Log.WithError(err).WithField("report_id", p.reportID()).
			Error("failed to load slices for validation")
	} else {
		valid := 0
		for i := range slices {
			slice := &slices[i]
			if slice.State != report.StateNew && slice.State != report.StatePending {
				if slice.State == report.StateValidated {
					valid++
				}
				continue
			}
			if p.validateSlice(ctx, slice) {
				valid++
			}
		}
		if valid > 0 {
			status = report.SuccessConfirmStatus
		}
	}

	p.status = status
	return p.updateObjectState(ctx, updateOptions{
		state:           report.StateValidated,
		uploadAckStatus: status,
	})
}

// validateSlice moves one slice through PENDING to VALIDATED or
// FAILED_VALIDATION. A bad sibling never aborts the others.
func (p *Processor) validateSlice(ctx context.Context, slice *report.ReportSlice) bool {
	now := time.Now().UTC()
	p.updateSliceState(ctx, slice, map[string]interface{}{
		"state":                 report.StatePending,
		"state_info":            report.AppendStateInfo(slice.StateInfo, report.StatePending),
		"processing_start_time": now,
		"last_update_time":      now,
	}, report.StatePending)

	next := report.StateValidated
	if err := p.validateReportDetails(slice.ReportJSON); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"report_id":       p.reportID(),
			"report_slice_id": slice.ReportSliceID,
		}).Warn("report slice failed validation")
		next = report.StateFailedValidation
	}

	p.updateSliceState(ctx, slice, map[string]interface{}{
		"state":            next,
		"state_info":       report.AppendStateInfo(slice.StateInfo, next),
		"ready_to_archive": true,
		"last_update_time": time.Now().UTC(),
	}, next)
	return next == report.StateValidated
}

func (p *Processor) updateSliceState(ctx context.Context, slice *report.ReportSlice, fields map[string]interface{}, next string) {
	if err := p.store.UpdateSlice(ctx, slice.ID, fields); err != nil {
		logger.Log.WithError(err).WithField("report_slice_id", slice.ReportSliceID).
			Error("failed to update report slice")
		return
	}
	if info, ok := fields["state_info"]; ok {
		slice.StateInfo = info.(datatypes.JSON)
	}
	slice.State = next
	if ready, ok := fields["ready_to_archive"].(bool); ok {
		slice.ReadyToArchive = ready
	}
}

// transitionToValidationReported posts the outcome upstream. Success is
// terminal; failure schedules a TIME retry from VALIDATED. Either way the
// in-memory fields are cleared before the next cycle.
func (p *Processor) transitionToValidationReported(ctx context.Context) error {
	req := confirmation.Request{
		RequestID:        p.requestID(),
		ValidationResult: p.status,
		ReportPlatformID: p.reportPlatformID,
		Account:          p.accountNumber,
	}

	if err := p.confirmer.Confirm(ctx, req); err != nil {
		logger.Log.WithError(err).WithField("report_id", p.reportID()).
			Warn("confirmation call failed, scheduling retry")
		if err := p.determineRetry(ctx, report.StateFailedValidation, report.RetryTime); err != nil {
			return err
		}
		// determineRetry keeps the record held only when retries are
		// exhausted; the now-terminal record collapses its duplicates too.
		if p.report != nil {
			return p.deduplicateReports(ctx)
		}
		return nil
	}

	if err := p.markTerminal(ctx, report.StateValidationReported); err != nil {
		return err
	}
	return p.deduplicateReports(ctx)
}

// determineRetry counts the failed attempt. Past the retry limit the record
// is forced into failureState and flagged for archival regardless of retry
// type; otherwise it keeps its state and goes back to the queue.
func (p *Processor) determineRetry(ctx context.Context, failureState, retryType string) error {
	if p.report.RetryCount+1 > p.policy.RetryLimit {
		logger.Log.WithFields(map[string]interface{}{
			"report_id":   p.reportID(),
			"retry_count": p.report.RetryCount,
			"state":       p.report.State,
		}).Error("retry limit exceeded, failing report")
		return p.markTerminalWithRetry(ctx, failureState)
	}

	if err := p.updateObjectState(ctx, updateOptions{
		retry:     retryIncrement,
		retryType: retryType,
	}); err != nil {
		return err
	}
	p.releaseAndReset(ctx)
	return nil
}

// markTerminal moves the record into a terminal state, flags it for
// archival, and records the terminal metrics and lifecycle event.
func (p *Processor) markTerminal(ctx context.Context, state string) error {
	ready := true
	if err := p.updateObjectState(ctx, updateOptions{
		state:          state,
		readyToArchive: &ready,
	}); err != nil {
		return err
	}
	p.recordTerminalState(ctx, state)
	return nil
}

func (p *Processor) markTerminalWithRetry(ctx context.Context, state string) error {
	ready := true
	if err := p.updateObjectState(ctx, updateOptions{
		state:          state,
		retry:          retryIncrement,
		readyToArchive: &ready,
	}); err != nil {
		return err
	}
	p.recordTerminalState(ctx, state)
	return nil
}

// recordTerminalState increments the per-account counter for the terminal
// state and publishes a lifecycle event, both fire-and-forget.
func (p *Processor) recordTerminalState(ctx context.Context, state string) {
	metrics.IncrTerminalState(state, p.accountNumber)
	if p.publisher == nil {
		return
	}
	data := map[string]interface{}{
		"report_id":          p.reportID(),
		"report_platform_id": p.reportPlatformID,
		"account":            p.accountNumber,
		"state":              state,
	}
	if err := p.publisher.PublishEvent(ctx, state, "report-engine", data); err != nil {
		logger.Log.WithError(err).Warn("failed to publish lifecycle event")
	}
}

// updateObjectState persists one atomic set of field updates to the held
// record, appending to state_info whenever state changes.
func (p *Processor) updateObjectState(ctx context.Context, options updateOptions) error {
	rec := p.report
	if rec == nil {
		return nil
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"last_update_time": now,
	}

	if options.state != "" && options.state != rec.State {
		rec.StateInfo = report.AppendStateInfo(rec.StateInfo, options.state)
		rec.State = options.state
		p.state = options.state
		fields["state"] = rec.State
		fields["state_info"] = rec.StateInfo
	}

	switch options.retry {
	case retryIncrement:
		rec.RetryCount++
		rec.GitCommit = p.engine.GitCommit
		fields["retry_count"] = rec.RetryCount
		fields["git_commit"] = rec.GitCommit
	case retryClear:
		if rec.RetryCount != 0 {
			rec.RetryCount = 0
			fields["retry_count"] = 0
		}
	}

	if options.retryType != "" {
		rec.RetryType = options.retryType
		fields["retry_type"] = rec.RetryType
	}
	if options.reportPlatformID != "" {
		rec.ReportPlatformID = options.reportPlatformID
		fields["report_platform_id"] = rec.ReportPlatformID
	}
	if options.uploadAckStatus != "" {
		rec.UploadAckStatus = options.uploadAckStatus
		fields["upload_ack_status"] = rec.UploadAckStatus
	}
	if options.readyToArchive != nil {
		rec.ReadyToArchive = *options.readyToArchive
		fields["ready_to_archive"] = rec.ReadyToArchive
	}
	if options.processingStart != nil {
		rec.ProcessingStartTime = options.processingStart
		fields["processing_start_time"] = *options.processingStart
	}

	rec.LastUpdateTime = now
	if err := p.store.UpdateReport(ctx, rec.ID, fields); err != nil {
		return fmt.Errorf("persisting state for report %s: %w", rec.ID, err)
	}
	return nil
}

// resetVariables clears every per-iteration field so no state from one
// record leaks into the next loop cycle.
func (p *Processor) resetVariables() {
	p.report = nil
	p.state = ""
	p.accountNumber = ""
	p.reportPlatformID = ""
	p.uploadMessage = nil
	p.status = ""
}

// releaseAndReset puts the record back in the queue for a later selection
// and clears the processor for the next one.
func (p *Processor) releaseAndReset(ctx context.Context) {
	if p.report != nil {
		if err := p.store.ReleaseClaim(ctx, p.report.ID); err != nil {
			logger.Log.WithError(err).WithField("report_id", p.report.ID).
				Warn("failed to release claim")
		}
	}
	p.resetVariables()
}

func (p *Processor) reportID() string {
	if p.report == nil {
		return ""
	}
	return p.report.ID
}

func (p *Processor) requestID() string {
	if p.uploadMessage != nil && p.uploadMessage.RequestID != "" {
		return p.uploadMessage.RequestID
	}
	if p.report != nil {
		return p.report.RequestID
	}
	return ""
}

func parseUploadMessage(rec *report.Report) *report.UploadMessage {
	if len(rec.RawUploadMessage) == 0 {
		return &report.UploadMessage{Account: rec.Account, RequestID: rec.RequestID}
	}
	var msg report.UploadMessage
	if err := json.Unmarshal(rec.RawUploadMessage, &msg); err != nil {
		logger.Log.WithError(err).WithField("report_id", rec.ID).
			Warn("stored upload message is not decodable")
		return &report.UploadMessage{Account: rec.Account, RequestID: rec.RequestID}
	}
	msg.Raw = json.RawMessage(rec.RawUploadMessage)
	return &msg
}
