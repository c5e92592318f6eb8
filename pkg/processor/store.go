package processor

import (
	"context"
	"time"

	"github.com/verifika/report-engine/pkg/confirmation"
	"github.com/verifika/report-engine/pkg/report"
)

// Store is the persistence contract the lifecycle engine drives records
// through. *report.Repository is the Postgres implementation.
type Store interface {
	NextEligible(ctx context.Context, now time.Time, status report.EngineStatus) (*report.Report, error)
	CountQueued(ctx context.Context, now time.Time, status report.EngineStatus) (int64, error)
	UpdateReport(ctx context.Context, id string, fields map[string]interface{}) error
	CreateSlice(ctx context.Context, slice *report.ReportSlice) error
	SlicesForReport(ctx context.Context, reportID string) ([]report.ReportSlice, error)
	UpdateSlice(ctx context.Context, id string, fields map[string]interface{}) error
	ArchiveReport(ctx context.Context, rec *report.Report) error
	DuplicateReports(ctx context.Context, platformID, excludeID string) ([]report.Report, error)
	ReleaseClaim(ctx context.Context, id string) error
}

// Confirmer posts the validation outcome to the upstream confirmation service.
type Confirmer interface {
	Confirm(ctx context.Context, req confirmation.Request) error
}

// EventPublisher emits lifecycle events for downstream consumers.
// *kafka.Producer satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}
