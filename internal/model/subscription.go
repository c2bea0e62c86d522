package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the inferred billing interval of a subscription.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
	FrequencyIrregular Frequency = "irregular"
	FrequencyUnknown   Frequency = "unknown"
)

// Recurring reports whether f is one of the fixed billing intervals.
func (f Frequency) Recurring() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Next returns the expected charge date following last, or the zero time
// for non-recurring frequencies. Calendar intervals follow the calendar.
func (f Frequency) Next(last time.Time) time.Time {
	switch f {
	case FrequencyWeekly:
		return last.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return last.AddDate(0, 0, 14)
	case FrequencyMonthly:
		return last.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		return last.AddDate(0, 3, 0)
	case FrequencyYearly:
		return last.AddDate(1, 0, 0)
	}
	return time.Time{}
}

// Status is a subscription lifecycle state.
type Status string

const (
	StatusPendingDetection Status = "pendingDetection"
	StatusActive           Status = "active"
	StatusAtRisk           Status = "atRisk"
	StatusCancelled        Status = "cancelled"
	StatusReactivated      Status = "reactivated"
)

// Live reports whether charges are currently expected.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusReactivated
}

// Subscription is a detected recurring charge. It is never deleted by
// detection, only moved to StatusCancelled.
type Subscription struct {
	ID              string
	UserID          string
	Name            string
	MerchantKey     string
	AmountBucket    string // upsert key component, fixed at creation
	Amount          decimal.Decimal
	Currency        string
	Frequency       Frequency
	NextBilling     *time.Time
	LastBilling     time.Time
	ActiveSince     time.Time // first charge of the current active epoch
	Status          Status
	Confidence      float64
	Occurrences     int
	Category        string
	UserCancelled   bool
	CancelledAt     *time.Time
	StatusChangedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChangeType is the kind of a ChangeEvent.
type ChangeType string

const (
	ChangeCreated       ChangeType = "created"
	ChangeAmountChanged ChangeType = "amountChanged"
	ChangeAtRisk        ChangeType = "atRisk"
	ChangeCancelled     ChangeType = "cancelled"
	ChangeReactivated   ChangeType = "reactivated"
)

// ChangeEvent is emitted for every externally visible subscription change.
type ChangeEvent struct {
	ID             string
	SubscriptionID string
	UserID         string
	Type           ChangeType
	Subscription   Subscription
	PreviousStatus Status
	PreviousAmount decimal.Decimal
	OccurredAt     time.Time
}
