package processor

import "errors"

// Processing failures split into two classes: retryable errors leave the
// record in its current state and count against retry_count, fatal errors
// force the record into its terminal failure state immediately.
var (
	// ErrFailDownload is fatal: the upload can never be fetched (no URL).
	ErrFailDownload = errors.New("report download failed permanently")

	// ErrRetryDownload is retryable: transport errors, timeouts, non-2xx.
	ErrRetryDownload = errors.New("report download failed")

	// ErrFailExtract is fatal: the archive is structurally unusable
	// (missing or undecodable manifest, no matching slices).
	ErrFailExtract = errors.New("report extraction failed permanently")

	// ErrRetryExtract is retryable: the archive looks truncated or a slice
	// payload did not parse, both assumed transient.
	ErrRetryExtract = errors.New("report extraction failed")

	// ErrInvalidSlice marks a slice payload that failed structural
	// validation. It fails that slice only, never its siblings.
	ErrInvalidSlice = errors.New("report slice failed validation")
)
