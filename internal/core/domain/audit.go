package domain

import (
	"time"

	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

// EventType names an audited lifecycle event.
type EventType string

const (
	EventPaymentInitiated    EventType = "payment_initiated"
	EventPaymentCompleted    EventType = "payment_completed"
	EventPaymentFailed       EventType = "payment_failed"
	EventPaymentCancelled    EventType = "payment_cancelled"
	EventPaymentExpired      EventType = "payment_expired"
	EventSettlementInitiated EventType = "settlement_initiated"
	EventSettlementCompleted EventType = "settlement_completed"
	EventSettlementFailed    EventType = "settlement_failed"
)

// Event is produced by a state transition and handed to the audit collaborator
// after the new state has been persisted.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	Type          EventType         `json:"type"`
	TransactionID *uuid.UUID        `json:"transaction_id,omitempty"`
	SettlementID  *uuid.UUID        `json:"settlement_id,omitempty"`
	UserID        *uuid.UUID        `json:"user_id,omitempty"`
	MerchantID    *uuid.UUID        `json:"merchant_id,omitempty"`
	Amount        string            `json:"amount"`
	Currency      money.Currency    `json:"currency"`
	Timestamp     time.Time         `json:"timestamp"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// SubjectID returns the transaction or settlement the event is about.
func (e Event) SubjectID() uuid.UUID {
	if e.TransactionID != nil {
		return *e.TransactionID
	}
	if e.SettlementID != nil {
		return *e.SettlementID
	}
	return uuid.Nil
}

func newTransactionEvent(t EventType, r TransactionRecord, at time.Time, attrs map[string]string) Event {
	id, userID := r.ID, r.UserID
	ev := Event{
		ID:            uuid.New(),
		Type:          t,
		TransactionID: &id,
		UserID:        &userID,
		Amount:        r.Amount.String(),
		Currency:      r.Amount.Currency(),
		Timestamp:     at,
		Attributes:    attrs,
	}
	if r.MerchantID != nil {
		merchantID := *r.MerchantID
		ev.MerchantID = &merchantID
	}
	return ev
}

func newSettlementEvent(t EventType, s Settlement, at time.Time, attrs map[string]string) Event {
	id, merchantID := s.ID, s.MerchantID
	return Event{
		ID:           uuid.New(),
		Type:         t,
		SettlementID: &id,
		MerchantID:   &merchantID,
		Amount:       s.NetAmount.String(),
		Currency:     s.NetAmount.Currency(),
		Timestamp:    at,
		Attributes:   attrs,
	}
}
