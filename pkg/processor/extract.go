package processor

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/verifika/report-engine/pkg/common/logger"
	"github.com/verifika/report-engine/pkg/report"
	"gorm.io/datatypes"
)

const manifestName = "metadata.json"

// Summary carries the manifest fields used to populate the parent report.
type Summary struct {
	ReportPlatformID string
	Source           string
	SourceMetadata   map[string]interface{}
}

// manifest is the decoded metadata.json member. report_id and source are
// required; report_slices maps slice ids to per-slice metadata.
type manifest struct {
	ReportID       interface{}                       `json:"report_id"`
	Source         string                            `json:"source"`
	SourceMetadata map[string]interface{}            `json:"source_metadata"`
	ReportSlices   map[string]map[string]interface{} `json:"report_slices"`
}

// downloadReport fetches the raw archive bytes from the upload message URL.
// A missing URL is fatal; transport errors and non-2xx responses are
// retryable.
func (p *Processor) downloadReport(ctx context.Context) ([]byte, error) {
	if p.uploadMessage == nil || p.uploadMessage.URL == "" {
		return nil, fmt.Errorf("%w: upload message has no url", ErrFailDownload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.uploadMessage.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailDownload, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetryDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d from %s", ErrRetryDownload, resp.StatusCode, p.uploadMessage.URL)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrRetryDownload, err)
	}
	return content, nil
}

// extractAndCreateSlices opens the gzip tar archive, reconciles the manifest
// against the slice files present, and persists a NEW ReportSlice for every
// id both declare. Archive open/read errors are retryable (the transfer may
// have been truncated); a missing or undecodable manifest, or zero matching
// slices, is fatal.
func (p *Processor) extractAndCreateSlices(ctx context.Context, content []byte) (*Summary, error) {
	files, err := readTarMembers(content)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: archive contains no JSON files", ErrFailExtract)
	}

	manifestBytes, ok := files[manifestName]
	if !ok {
		return nil, fmt.Errorf("%w: archive has no %s", ErrFailExtract, manifestName)
	}
	delete(files, manifestName)

	meta, err := decodeManifest(manifestBytes)
	if err != nil {
		return nil, err
	}

	// A failed attempt may have persisted some slices before erroring; a
	// (report, report_slice_id) pair must stay unique across re-extraction.
	existing := map[string]bool{}
	persisted, err := p.store.SlicesForReport(ctx, p.report.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading existing slices: %v", ErrRetryExtract, err)
	}
	for i := range persisted {
		existing[persisted[i].ReportSliceID] = true
	}

	created := 0
	for sliceID := range meta.ReportSlices {
		payload, ok := files[sliceID+".json"]
		if !ok {
			logger.Log.WithFields(map[string]interface{}{
				"report_id":       p.reportID(),
				"report_slice_id": sliceID,
			}).Warn("manifest slice has no matching file, skipping")
			continue
		}

		if existing[sliceID] {
			created++
			continue
		}

		if !utf8.Valid(payload) {
			return nil, fmt.Errorf("%w: slice %s is not decodable", ErrFailExtract, sliceID)
		}
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: slice %s is not valid JSON", ErrRetryExtract, sliceID)
		}

		if err := p.createReportSlice(ctx, sliceID, payload, meta); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetryExtract, err)
		}
		created++
	}

	if created == 0 {
		return nil, fmt.Errorf("%w: no slice files matched the manifest", ErrFailExtract)
	}

	return &Summary{
		ReportPlatformID: fmt.Sprintf("%v", meta.ReportID),
		Source:           meta.Source,
		SourceMetadata:   meta.SourceMetadata,
	}, nil
}

// readTarMembers collects every JSON member of the archive by basename.
func readTarMembers(content []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %v", ErrRetryExtract, err)
	}
	defer gz.Close()

	files := map[string][]byte{}
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading archive: %v", ErrRetryExtract, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(header.Name)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: reading member %s: %v", ErrRetryExtract, name, err)
		}
		files[name] = data
	}
	return files, nil
}

func decodeManifest(content []byte) (*manifest, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: manifest is not decodable", ErrFailExtract)
	}
	var meta manifest
	if err := json.Unmarshal(content, &meta); err != nil {
		return nil, fmt.Errorf("%w: manifest is not valid JSON: %v", ErrFailExtract, err)
	}
	if meta.ReportID == nil {
		return nil, fmt.Errorf("%w: manifest has no report_id", ErrFailExtract)
	}
	if meta.Source == "" {
		return nil, fmt.Errorf("%w: manifest has no source", ErrFailExtract)
	}
	if len(meta.ReportSlices) == 0 {
		return nil, fmt.Errorf("%w: manifest declares no report slices", ErrFailExtract)
	}
	return &meta, nil
}

func (p *Processor) createReportSlice(ctx context.Context, sliceID string, payload []byte, meta *manifest) error {
	now := time.Now().UTC()
	slice := &report.ReportSlice{
		ID:               uuid.New().String(),
		ReportID:         p.report.ID,
		ReportPlatformID: fmt.Sprintf("%v", meta.ReportID),
		ReportSliceID:    sliceID,
		Account:          p.accountNumber,
		State:            report.StateNew,
		StateInfo:        report.InitialStateInfo(report.StateNew),
		RetryType:        report.RetryTime,
		ReportJSON:       datatypes.JSON(payload),
		CreationTime:     now,
		LastUpdateTime:   now,
	}
	return p.store.CreateSlice(ctx, slice)
}

// validateReportDetails checks the structural contract for a single slice
// payload: it must carry a non-empty report_slice_id.
func (p *Processor) validateReportDetails(payload datatypes.JSON) error {
	var details map[string]interface{}
	if err := json.Unmarshal(payload, &details); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object", ErrInvalidSlice)
	}
	sliceID, _ := details["report_slice_id"].(string)
	if sliceID == "" {
		return fmt.Errorf("%w: payload has no report_slice_id", ErrInvalidSlice)
	}
	return nil
}
