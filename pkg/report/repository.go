package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("report record not found")

// Repository is the Postgres-backed record store. Multiple processor
// instances may share one database; NextEligible hands out each live row to
// at most one of them at a time via the claim columns.
type Repository struct {
	db       *gorm.DB
	policy   RetryPolicy
	workerID string
	claimTTL time.Duration
}

func NewRepository(db *gorm.DB, policy RetryPolicy, workerID string, claimTTL time.Duration) *Repository {
	return &Repository{db: db, policy: policy, workerID: workerID, claimTTL: claimTTL}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Report{}, &ReportSlice{}, &ReportArchive{}, &ReportSliceArchive{})
}

func (r *Repository) CreateReport(ctx context.Context, rec *Report) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *Repository) CreateSlice(ctx context.Context, slice *ReportSlice) error {
	return r.db.WithContext(ctx).Create(slice).Error
}

func (r *Repository) GetReport(ctx context.Context, id string) (*Report, error) {
	var rec Report
	result := r.db.WithContext(ctx).First(&rec, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, result.Error
}

// UpdateReport applies a set of field updates atomically to a single row.
func (r *Repository) UpdateReport(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&Report{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repository) UpdateSlice(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&ReportSlice{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repository) SlicesForReport(ctx context.Context, reportID string) ([]ReportSlice, error) {
	var slices []ReportSlice
	err := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("creation_time asc").
		Find(&slices).Error
	return slices, err
}

// NextEligible returns the next report a worker may process, or nil when the
// queue is drained. Selection order: NEW records first, then TIME retries
// past their backoff, then GIT_COMMIT retries from another build, then
// terminal records still awaiting a successful archive pass. Ties break by
// oldest last_update_time. The returned row has been claimed for this
// worker; the claim expires after claimTTL so a crashed worker does not
// strand a record.
func (r *Repository) NextEligible(ctx context.Context, now time.Time, status EngineStatus) (*Report, error) {
	for _, bucket := range r.bucketQueries(ctx, now, status) {
		var candidates []Report
		if err := bucket.Order("last_update_time asc").Limit(10).Find(&candidates).Error; err != nil {
			return nil, fmt.Errorf("selecting eligible reports: %w", err)
		}
		for i := range candidates {
			claimed, err := r.claim(ctx, now, candidates[i].ID)
			if err != nil {
				return nil, err
			}
			if claimed {
				rec := candidates[i]
				rec.ClaimedBy = r.workerID
				rec.ClaimedAt = &now
				return &rec, nil
			}
		}
	}
	return nil, nil
}

// CountQueued counts every record the eligibility predicate would select at
// the given time. It must mirror NextEligible exactly, claim state aside.
func (r *Repository) CountQueued(ctx context.Context, now time.Time, status EngineStatus) (int64, error) {
	var total int64
	for _, bucket := range r.bucketQueries(ctx, now, status) {
		var count int64
		if err := bucket.Count(&count).Error; err != nil {
			return 0, fmt.Errorf("counting queued reports: %w", err)
		}
		total += count
	}
	return total, nil
}

func (r *Repository) bucketQueries(ctx context.Context, now time.Time, status EngineStatus) []*gorm.DB {
	base := r.db.WithContext(ctx).Model(&Report{})
	return []*gorm.DB{
		base.Session(&gorm.Session{}).Where("state = ?", StateNew),
		base.Session(&gorm.Session{}).
			Where("state IN ?", []string{StateStarted, StateDownloaded, StateValidated}).
			Where("retry_type = ? OR retry_type = ''", RetryTime).
			Where(
				r.db.Where("state = ? AND last_update_time <= ?", StateStarted, now.Add(-r.policy.DownloadBackoff)).
					Or("state IN ? AND last_update_time <= ?", []string{StateDownloaded, StateValidated}, now.Add(-r.policy.ValidationBackoff)),
			),
		base.Session(&gorm.Session{}).
			Where("state IN ?", []string{StateStarted, StateDownloaded, StateValidated}).
			Where("retry_type = ?", RetryGitCommit).
			Where("git_commit <> ?", status.GitCommit),
		base.Session(&gorm.Session{}).
			Where("state IN ?", []string{StateValidationReported, StateFailedDownload, StateFailedValidation}).
			Where("ready_to_archive = ?", true),
	}
}

func (r *Repository) claim(ctx context.Context, now time.Time, id string) (bool, error) {
	stale := now.Add(-r.claimTTL)
	result := r.db.WithContext(ctx).Model(&Report{}).
		Where("id = ?", id).
		Where("claimed_by = '' OR claimed_by = ? OR claimed_at < ?", r.workerID, stale).
		Updates(map[string]interface{}{
			"claimed_by": r.workerID,
			"claimed_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("claiming report %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *Repository) ReleaseClaim(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Report{}).
		Where("id = ? AND claimed_by = ?", id, r.workerID).
		Updates(map[string]interface{}{
			"claimed_by": "",
			"claimed_at": nil,
		}).Error
}

// DuplicateReports returns the other live reports sharing the platform id
// that are themselves ready to archive, oldest-updated first.
func (r *Repository) DuplicateReports(ctx context.Context, platformID, excludeID string) ([]Report, error) {
	var dups []Report
	err := r.db.WithContext(ctx).
		Where("report_platform_id = ? AND id <> ? AND ready_to_archive = ?", platformID, excludeID, true).
		Order("last_update_time asc").
		Find(&dups).Error
	return dups, err
}

// ArchiveReport copies the report and its slices into the archive tables and
// deletes the live rows, all in one transaction. Archival is idempotent: if
// an archive row for this report id already exists (a crash between copy and
// delete on a prior attempt), the copy is skipped and only the live rows are
// removed.
func (r *Repository) ArchiveReport(ctx context.Context, rec *Report) error {
	endTime := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&ReportArchive{}).Where("report_id = ?", rec.ID).Count(&existing).Error; err != nil {
			return fmt.Errorf("checking archive for report %s: %w", rec.ID, err)
		}

		slices, err := r.slicesForReportTx(tx, rec.ID)
		if err != nil {
			return err
		}

		if existing == 0 {
			archive := &ReportArchive{
				ID:                  rec.ID,
				ReportID:            rec.ID,
				Account:             rec.Account,
				RequestID:           rec.RequestID,
				State:               rec.State,
				StateInfo:           rec.StateInfo,
				RetryCount:          rec.RetryCount,
				RetryType:           rec.RetryType,
				GitCommit:           rec.GitCommit,
				ReportPlatformID:    rec.ReportPlatformID,
				UploadAckStatus:     rec.UploadAckStatus,
				RawUploadMessage:    rec.RawUploadMessage,
				ArrivalTime:         rec.ArrivalTime,
				ProcessingStartTime: rec.ProcessingStartTime,
				ProcessingEndTime:   endTime,
			}
			if err := tx.Create(archive).Error; err != nil {
				return fmt.Errorf("archiving report %s: %w", rec.ID, err)
			}

			for i := range slices {
				slice := slices[i]
				sliceArchive := &ReportSliceArchive{
					ID:                  slice.ID,
					SliceID:             slice.ID,
					ReportID:            rec.ID,
					ReportPlatformID:    slice.ReportPlatformID,
					ReportSliceID:       slice.ReportSliceID,
					Account:             slice.Account,
					State:               slice.State,
					StateInfo:           slice.StateInfo,
					RetryCount:          slice.RetryCount,
					ReportJSON:          slice.ReportJSON,
					CreationTime:        slice.CreationTime,
					ProcessingStartTime: slice.ProcessingStartTime,
					ProcessingEndTime:   endTime,
				}
				if err := tx.Create(sliceArchive).Error; err != nil {
					return fmt.Errorf("archiving slice %s: %w", slice.ID, err)
				}
			}
		}

		if err := tx.Where("report_id = ?", rec.ID).Delete(&ReportSlice{}).Error; err != nil {
			return fmt.Errorf("deleting slices for report %s: %w", rec.ID, err)
		}
		if err := tx.Where("id = ?", rec.ID).Delete(&Report{}).Error; err != nil {
			return fmt.Errorf("deleting report %s: %w", rec.ID, err)
		}
		return nil
	})
}

func (r *Repository) slicesForReportTx(tx *gorm.DB, reportID string) ([]ReportSlice, error) {
	var slices []ReportSlice
	if err := tx.Where("report_id = ?", reportID).Find(&slices).Error; err != nil {
		return nil, fmt.Errorf("loading slices for report %s: %w", reportID, err)
	}
	return slices, nil
}
