package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeReceiptInitiated = "receipt.initiated"
	EventTypeReceiptReceived  = "receipt.received"
	EventTypeReceiptFailed    = "receipt.failed"
)

type ReceiptInitiatedEvent struct {
	BaseEvent
	ReceiptID    int64  `json:"receipt_id"`
	InternalUUID string `json:"internal_uuid"`
	RemoteUUID   string `json:"remote_uuid"`
}

func NewReceiptInitiatedEvent(receiptID int64, internalUUID, remoteUUID string) *ReceiptInitiatedEvent {
	return &ReceiptInitiatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.NewString(),
			Type:      EventTypeReceiptInitiated,
			Timestamp: time.Now(),
		},
		ReceiptID:    receiptID,
		InternalUUID: internalUUID,
		RemoteUUID:   remoteUUID,
	}
}

type ReceiptReceivedEvent struct {
	BaseEvent
	ReceiptID    int64  `json:"receipt_id"`
	InternalUUID string `json:"internal_uuid"`
	RemoteUUID   string `json:"remote_uuid"`
}

func NewReceiptReceivedEvent(receiptID int64, internalUUID, remoteUUID string) *ReceiptReceivedEvent {
	return &ReceiptReceivedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.NewString(),
			Type:      EventTypeReceiptReceived,
			Timestamp: time.Now(),
		},
		ReceiptID:    receiptID,
		InternalUUID: internalUUID,
		RemoteUUID:   remoteUUID,
	}
}

type ReceiptFailedEvent struct {
	BaseEvent
	ReceiptID    int64  `json:"receipt_id"`
	InternalUUID string `json:"internal_uuid"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

func NewReceiptFailedEvent(receiptID int64, internalUUID, status, reason string) *ReceiptFailedEvent {
	return &ReceiptFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.NewString(),
			Type:      EventTypeReceiptFailed,
			Timestamp: time.Now(),
		},
		ReceiptID:    receiptID,
		InternalUUID: internalUUID,
		Status:       status,
		Reason:       reason,
	}
}
