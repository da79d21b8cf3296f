package types

import (
	"encoding/json"
	"time"
)

// QueuedUpdateType distinguishes the two retryable router actions.
type QueuedUpdateType string

const (
	QueuedTransferCreation   QueuedUpdateType = "TRANSFER_CREATION"
	QueuedTransferResolution QueuedUpdateType = "TRANSFER_RESOLUTION"
)

// QueuedUpdateStatus is the lifecycle of a queued router update.
type QueuedUpdateStatus string

const (
	QueuedStatusPending    QueuedUpdateStatus = "PENDING"
	QueuedStatusProcessing QueuedUpdateStatus = "PROCESSING"
	QueuedStatusComplete   QueuedUpdateStatus = "COMPLETE"
	QueuedStatusFailed     QueuedUpdateStatus = "FAILED"
	QueuedStatusUnverified QueuedUpdateStatus = "UNVERIFIED"
)

// QueuedUpdate is a forwarding action persisted for retry: a transfer
// creation held back by an offline recipient, or a resolution that
// failed transiently.
type QueuedUpdate struct {
	ID                string             `json:"id"`
	ChannelAddress    Hash               `json:"channelAddress"`
	Type              QueuedUpdateType   `json:"type"`
	Payload           json.RawMessage    `json:"payload"`
	Status            QueuedUpdateStatus `json:"status"`
	CreatedAt         time.Time          `json:"createdAt"`
	LastFailureReason string             `json:"lastFailureReason,omitempty"`
}
