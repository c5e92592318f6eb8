package report

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Report lifecycle states. The failure states and VALIDATION_REPORTED are
// terminal: the only thing left for such a record is archival.
const (
	StateNew                = "NEW"
	StateStarted            = "STARTED"
	StateDownloaded         = "DOWNLOADED"
	StateValidated          = "VALIDATED"
	StateValidationReported = "VALIDATION_REPORTED"
	StateFailedDownload     = "FAILED_DOWNLOAD"
	StateFailedValidation   = "FAILED_VALIDATION"

	// Slice-only state: the slice is being scored by validation.
	StatePending = "PENDING"
)

// Retry types governing when a failed record becomes eligible again.
const (
	RetryTime      = "TIME"
	RetryGitCommit = "GIT_COMMIT"
)

// Confirmation outcomes reported upstream.
const (
	SuccessConfirmStatus = "success"
	FailureConfirmStatus = "failure"
)

func IsTerminal(state string) bool {
	switch state {
	case StateValidationReported, StateFailedDownload, StateFailedValidation:
		return true
	}
	return false
}

// UploadMessage is the decoded new-upload notification. Raw retains the full
// payload including passthrough fields the engine does not interpret.
type UploadMessage struct {
	URL       string          `json:"url"`
	Account   string          `json:"rh_account"`
	RequestID string          `json:"request_id"`
	Raw       json.RawMessage `json:"-"`
}

// EngineStatus describes the running engine instance. It is built once at
// process start and passed explicitly to the selector and retry decisions.
type EngineStatus struct {
	GitCommit string
	StartTime time.Time
}

type Report struct {
	ID                  string            `json:"id" gorm:"primaryKey;column:id"`
	Account             string            `json:"account" gorm:"column:account;index"`
	RequestID           string            `json:"request_id" gorm:"column:request_id"`
	State               string            `json:"state" gorm:"column:state;index"`
	StateInfo           datatypes.JSON    `json:"state_info" gorm:"column:state_info"`
	RetryCount          int               `json:"retry_count" gorm:"column:retry_count"`
	RetryType           string            `json:"retry_type" gorm:"column:retry_type"`
	GitCommit           string            `json:"git_commit" gorm:"column:git_commit"`
	ReportPlatformID    string            `json:"report_platform_id" gorm:"column:report_platform_id;index"`
	UploadAckStatus     string            `json:"upload_ack_status" gorm:"column:upload_ack_status"`
	ReadyToArchive      bool              `json:"ready_to_archive" gorm:"column:ready_to_archive"`
	RawUploadMessage    datatypes.JSON    `json:"raw_upload_message" gorm:"column:raw_upload_message"`
	ClaimedBy           string            `json:"claimed_by,omitempty" gorm:"column:claimed_by"`
	ClaimedAt           *time.Time        `json:"claimed_at,omitempty" gorm:"column:claimed_at"`
	ArrivalTime         time.Time         `json:"arrival_time" gorm:"column:arrival_time"`
	ProcessingStartTime *time.Time        `json:"processing_start_time,omitempty" gorm:"column:processing_start_time"`
	LastUpdateTime      time.Time         `json:"last_update_time" gorm:"column:last_update_time;index"`
}

func (Report) TableName() string {
	return "reports"
}

type ReportSlice struct {
	ID                  string         `json:"id" gorm:"primaryKey;column:id"`
	ReportID            string         `json:"report_id" gorm:"column:report_id;uniqueIndex:idx_report_slice_identity"`
	ReportPlatformID    string         `json:"report_platform_id" gorm:"column:report_platform_id"`
	ReportSliceID       string         `json:"report_slice_id" gorm:"column:report_slice_id;uniqueIndex:idx_report_slice_identity"`
	Account             string         `json:"account" gorm:"column:account"`
	State               string         `json:"state" gorm:"column:state"`
	StateInfo           datatypes.JSON `json:"state_info" gorm:"column:state_info"`
	RetryCount          int            `json:"retry_count" gorm:"column:retry_count"`
	RetryType           string         `json:"retry_type" gorm:"column:retry_type"`
	ReportJSON          datatypes.JSON `json:"report_json" gorm:"column:report_json"`
	ReadyToArchive      bool           `json:"ready_to_archive" gorm:"column:ready_to_archive"`
	CreationTime        time.Time      `json:"creation_time" gorm:"column:creation_time"`
	ProcessingStartTime *time.Time     `json:"processing_start_time,omitempty" gorm:"column:processing_start_time"`
	LastUpdateTime      time.Time      `json:"last_update_time" gorm:"column:last_update_time"`
}

func (ReportSlice) TableName() string {
	return "report_slices"
}

// ReportArchive is the write-once terminal snapshot of a Report. ReportID
// holds the original live-row id and is the idempotency key for archival.
type ReportArchive struct {
	ID                  string         `json:"id" gorm:"primaryKey;column:id"`
	ReportID            string         `json:"report_id" gorm:"column:report_id;uniqueIndex"`
	Account             string         `json:"account" gorm:"column:account;index"`
	RequestID           string         `json:"request_id" gorm:"column:request_id"`
	State               string         `json:"state" gorm:"column:state"`
	StateInfo           datatypes.JSON `json:"state_info" gorm:"column:state_info"`
	RetryCount          int            `json:"retry_count" gorm:"column:retry_count"`
	RetryType           string         `json:"retry_type" gorm:"column:retry_type"`
	GitCommit           string         `json:"git_commit" gorm:"column:git_commit"`
	ReportPlatformID    string         `json:"report_platform_id" gorm:"column:report_platform_id"`
	UploadAckStatus     string         `json:"upload_ack_status" gorm:"column:upload_ack_status"`
	RawUploadMessage    datatypes.JSON `json:"raw_upload_message" gorm:"column:raw_upload_message"`
	ArrivalTime         time.Time      `json:"arrival_time" gorm:"column:arrival_time"`
	ProcessingStartTime *time.Time     `json:"processing_start_time,omitempty" gorm:"column:processing_start_time"`
	ProcessingEndTime   time.Time      `json:"processing_end_time" gorm:"column:processing_end_time"`
}

func (ReportArchive) TableName() string {
	return "report_archives"
}

type ReportSliceArchive struct {
	ID                  string         `json:"id" gorm:"primaryKey;column:id"`
	SliceID             string         `json:"slice_id" gorm:"column:slice_id;uniqueIndex"`
	ReportID            string         `json:"report_id" gorm:"column:report_id;index"`
	ReportPlatformID    string         `json:"report_platform_id" gorm:"column:report_platform_id"`
	ReportSliceID       string         `json:"report_slice_id" gorm:"column:report_slice_id"`
	Account             string         `json:"account" gorm:"column:account"`
	State               string         `json:"state" gorm:"column:state"`
	StateInfo           datatypes.JSON `json:"state_info" gorm:"column:state_info"`
	RetryCount          int            `json:"retry_count" gorm:"column:retry_count"`
	ReportJSON          datatypes.JSON `json:"report_json" gorm:"column:report_json"`
	CreationTime        time.Time      `json:"creation_time" gorm:"column:creation_time"`
	ProcessingStartTime *time.Time     `json:"processing_start_time,omitempty" gorm:"column:processing_start_time"`
	ProcessingEndTime   time.Time      `json:"processing_end_time" gorm:"column:processing_end_time"`
}

func (ReportSliceArchive) TableName() string {
	return "report_slice_archives"
}

// InitialStateInfo returns the state_info audit log for a freshly created record.
func InitialStateInfo(state string) datatypes.JSON {
	encoded, _ := json.Marshal([]string{state})
	return datatypes.JSON(encoded)
}

// AppendStateInfo appends state to the audit log and returns the new log.
// The last element of state_info always equals the record's current state.
func AppendStateInfo(info datatypes.JSON, state string) datatypes.JSON {
	var states []string
	if len(info) > 0 {
		_ = json.Unmarshal(info, &states)
	}
	states = append(states, state)
	encoded, _ := json.Marshal(states)
	return datatypes.JSON(encoded)
}

// StateHistory decodes the state_info audit log.
func StateHistory(info datatypes.JSON) []string {
	var states []string
	if len(info) > 0 {
		_ = json.Unmarshal(info, &states)
	}
	return states
}

// EligibleAt reports whether the record may be handed to a worker at the given
// time. The same predicate backs both selection and backlog counting.
func (r *Report) EligibleAt(now time.Time, status EngineStatus, policy RetryPolicy) bool {
	if IsTerminal(r.State) {
		// A terminal row flagged for archival stays selectable until the
		// archive pass succeeds; a released claim must not strand it.
		return r.ReadyToArchive
	}
	if r.State == StateNew {
		return true
	}
	switch r.RetryType {
	case RetryGitCommit:
		return r.GitCommit != status.GitCommit
	default:
		// TIME is the default retry type for records that never set one.
		return now.Sub(r.LastUpdateTime) >= policy.Backoff(r.State)
	}
}
