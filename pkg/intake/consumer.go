package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/verifika/report-engine/pkg/common/logger"
	"github.com/verifika/report-engine/pkg/report"
	"gorm.io/datatypes"
)

var ErrDecode = errors.New("upload message is not valid JSON")

// Store persists freshly received reports.
type Store interface {
	CreateReport(ctx context.Context, rec *report.Report) error
}

// Consumer turns new-upload notifications into NEW report rows. Intake is
// at-most-once: malformed or unpersistable messages are logged and the
// offset is acknowledged anyway, so one poison message never blocks the
// partition.
type Consumer struct {
	store       Store
	dedup       *redis.Client
	dedupPrefix string
	dedupTTL    time.Duration
}

func NewConsumer(store Store, dedup *redis.Client, dedupPrefix string, dedupTTL time.Duration) *Consumer {
	return &Consumer{
		store:       store,
		dedup:       dedup,
		dedupPrefix: dedupPrefix,
		dedupTTL:    dedupTTL,
	}
}

// UnpackConsumerRecord decodes the raw record value into an UploadMessage.
// The url, rh_account and request_id fields are all optional; any other
// fields ride along in Raw.
func (c *Consumer) UnpackConsumerRecord(value []byte) (*report.UploadMessage, error) {
	var msg report.UploadMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	msg.Raw = json.RawMessage(value)

	logger.Log.WithFields(map[string]interface{}{
		"rh_account": msg.Account,
		"request_id": msg.RequestID,
	}).Info("upload notification received")
	return &msg, nil
}

// SaveMessageAndAck is the kafka.MessageHandler for the upload topic. It
// always returns nil so the offset is committed after a durable save, after
// a definitive decode failure, or after a logged persistence failure.
func (c *Consumer) SaveMessageAndAck(ctx context.Context, value []byte) error {
	msg, err := c.UnpackConsumerRecord(value)
	if err != nil {
		logger.Log.WithError(err).WithField("payload", string(value)).
			Error("dropping undecodable upload message")
		return nil
	}

	if c.seenBefore(ctx, msg.RequestID) {
		logger.Log.WithField("request_id", msg.RequestID).
			Info("duplicate upload notification, skipping")
		return nil
	}

	now := time.Now().UTC()
	rec := &report.Report{
		ID:               uuid.New().String(),
		Account:          msg.Account,
		RequestID:        msg.RequestID,
		State:            report.StateNew,
		StateInfo:        report.InitialStateInfo(report.StateNew),
		RawUploadMessage: datatypes.JSON(msg.Raw),
		ArrivalTime:      now,
		LastUpdateTime:   now,
	}

	if err := c.store.CreateReport(ctx, rec); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"rh_account": msg.Account,
			"request_id": msg.RequestID,
		}).Error("failed to persist new report, message dropped")
		return nil
	}

	logger.Log.WithFields(map[string]interface{}{
		"report_id":  rec.ID,
		"rh_account": rec.Account,
		"request_id": rec.RequestID,
	}).Info("report created")
	return nil
}

// seenBefore suppresses redelivered notifications by leasing the request id
// in Redis. Without Redis, or without a request id, everything passes.
func (c *Consumer) seenBefore(ctx context.Context, requestID string) bool {
	if c.dedup == nil || requestID == "" {
		return false
	}
	set, err := c.dedup.SetNX(ctx, c.dedupPrefix+requestID, 1, c.dedupTTL).Result()
	if err != nil {
		logger.Log.WithError(err).Warn("intake dedup check failed, processing anyway")
		return false
	}
	return !set
}
