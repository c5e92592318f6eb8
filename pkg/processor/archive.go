package processor

import (
	"context"
	"fmt"

	"github.com/verifika/report-engine/pkg/common/logger"
)

// archiveReportAndSlices moves the held record and its slices into the
// archive tables, then clears the processor for the next cycle. Records not
// yet flagged ready_to_archive are left alone.
func (p *Processor) archiveReportAndSlices(ctx context.Context) error {
	rec := p.report
	if rec == nil {
		p.resetVariables()
		return nil
	}

	if !rec.ReadyToArchive {
		logger.Log.WithField("report_id", rec.ID).Debug("report not ready to archive")
		p.releaseAndReset(ctx)
		return nil
	}

	if err := p.store.ArchiveReport(ctx, rec); err != nil {
		p.releaseAndReset(ctx)
		return fmt.Errorf("archiving report %s: %w", rec.ID, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"report_id":          rec.ID,
		"report_platform_id": rec.ReportPlatformID,
		"state":              rec.State,
	}).Info("report archived")

	p.resetVariables()
	return nil
}

// deduplicateReports collapses live reports sharing the held record's
// platform id: every other ready-to-archive duplicate is archived first,
// then the held record itself if it is ready. The most recently updated row
// is the one kept when neither is ready yet.
func (p *Processor) deduplicateReports(ctx context.Context) error {
	if p.reportPlatformID != "" && p.report != nil {
		dups, err := p.store.DuplicateReports(ctx, p.reportPlatformID, p.report.ID)
		if err != nil {
			logger.Log.WithError(err).WithField("report_platform_id", p.reportPlatformID).
				Error("failed to look up duplicate reports")
		} else {
			for i := range dups {
				dup := dups[i]
				if err := p.store.ArchiveReport(ctx, &dup); err != nil {
					logger.Log.WithError(err).WithField("report_id", dup.ID).
						Error("failed to archive duplicate report")
					continue
				}
				logger.Log.WithFields(map[string]interface{}{
					"report_id":          dup.ID,
					"report_platform_id": p.reportPlatformID,
				}).Info("duplicate report archived")
			}
		}
	}

	return p.archiveReportAndSlices(ctx)
}
