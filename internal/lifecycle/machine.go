// Package lifecycle decides subscription state from stored state and fresh
// evidence. Everything here is a pure function of its inputs.
package lifecycle

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
)

// Config holds the grace multipliers and nominal intervals.
type Config struct {
	Intervals        map[model.Frequency]int
	AtRiskMultiplier float64
	CancelMultiplier float64
	// SameAmount reports whether two amounts are the same price. Nil means
	// exact equality.
	SameAmount func(a, b decimal.Decimal) bool
}

// DefaultConfig returns ×1.5 / ×2.5 grace windows over the stock intervals.
func DefaultConfig() Config {
	return Config{
		Intervals: map[model.Frequency]int{
			model.FrequencyWeekly:    7,
			model.FrequencyBiweekly:  14,
			model.FrequencyMonthly:   30,
			model.FrequencyQuarterly: 91,
			model.FrequencyYearly:    365,
		},
		AtRiskMultiplier: 1.5,
		CancelMultiplier: 2.5,
	}
}

// Evidence is what the current run observed for one subscription.
type Evidence struct {
	// Present is false when no cluster matched; only silence applies then.
	Present     bool
	FirstCharge time.Time
	LastCharge  time.Time
	Frequency   model.Frequency
	Confidence  float64
	Promotable  bool
	// BelowThreshold is set when there are enough charges to judge the
	// series and it still misses the promotion threshold.
	BelowThreshold bool
	Amount         decimal.Decimal
	// AmountStable is set when Amount was charged at least twice.
	AmountStable bool
	Occurrences  int
	Currency     string
	Category     string
	// NewEpoch marks evidence built only from charges that resumed after
	// the subscription left active.
	NewEpoch bool
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Subscription model.Subscription
	Changed      bool
	StateChanged bool
	Events       []model.ChangeType
}

// Machine evaluates lifecycle transitions.
type Machine struct {
	cfg Config
}

// NewMachine creates a Machine.
func NewMachine(cfg Config) *Machine {
	if cfg.SameAmount == nil {
		cfg.SameAmount = func(a, b decimal.Decimal) bool { return a.Equal(b) }
	}
	return &Machine{cfg: cfg}
}

var defaultMachine = NewMachine(DefaultConfig())

// SilenceStatus is the status implied by the time since the last charge
// under the default grace windows.
func SilenceStatus(last time.Time, f model.Frequency, asOf time.Time) model.Status {
	return defaultMachine.SilenceStatus(last, f, asOf)
}

// StatusAt is the status of sub at asOf under the default grace windows.
func StatusAt(sub model.Subscription, asOf time.Time) model.Status {
	return defaultMachine.StatusAt(sub, asOf)
}

// SilenceStatus returns active, atRisk or cancelled depending on how many
// days passed since last. Frequencies without a nominal interval never go
// silent.
func (m *Machine) SilenceStatus(last time.Time, f model.Frequency, asOf time.Time) model.Status {
	interval := m.cfg.Intervals[f]
	if interval <= 0 || last.IsZero() {
		return model.StatusActive
	}
	elapsed := float64(model.DaysBetween(last, asOf))
	switch {
	case elapsed > float64(interval)*m.cfg.CancelMultiplier:
		return model.StatusCancelled
	case elapsed > float64(interval)*m.cfg.AtRiskMultiplier:
		return model.StatusAtRisk
	}
	return model.StatusActive
}

// CancelWindow returns the days of silence after which f is cancelled.
func (m *Machine) CancelWindow(f model.Frequency) int {
	return int(math.Floor(float64(m.cfg.Intervals[f]) * m.cfg.CancelMultiplier))
}

// StatusAt recomputes the status of sub at query time, so a listing never
// shows a stored status that silence has since overtaken.
func (m *Machine) StatusAt(sub model.Subscription, asOf time.Time) model.Status {
	if sub.UserCancelled || sub.Status == model.StatusCancelled {
		return model.StatusCancelled
	}
	if sub.Status == model.StatusPendingDetection {
		return sub.Status
	}
	silence := m.SilenceStatus(sub.LastBilling, sub.Frequency, asOf)
	if severity(silence) > severity(sub.Status) {
		return silence
	}
	return sub.Status
}

func severity(s model.Status) int {
	switch s {
	case model.StatusAtRisk:
		return 1
	case model.StatusCancelled:
		return 2
	}
	return 0
}

// Create builds a new subscription from promotable evidence. base carries
// the identity fields. The initial status follows silence, so a series
// that already stopped is recorded as such.
func (m *Machine) Create(base model.Subscription, ev Evidence, asOf time.Time) Decision {
	asOf = model.DayOf(asOf)
	sub := base
	sub.Amount = ev.Amount
	sub.Currency = ev.Currency
	sub.Frequency = ev.Frequency
	sub.LastBilling = ev.LastCharge
	sub.ActiveSince = ev.FirstCharge
	sub.Occurrences = ev.Occurrences
	sub.Confidence = ev.Confidence
	sub.Category = ev.Category
	sub.Status = m.SilenceStatus(ev.LastCharge, ev.Frequency, asOf)
	sub.CreatedAt = asOf
	sub.UpdatedAt = asOf
	sub.StatusChangedAt = asOf
	sub.NextBilling = m.nextBilling(sub)
	return Decision{Subscription: sub, Changed: true, StateChanged: true, Events: []model.ChangeType{model.ChangeCreated}}
}

// Evaluate applies evidence and silence to an existing subscription.
// Re-evaluating the resulting subscription with the same evidence yields
// no change.
func (m *Machine) Evaluate(prev model.Subscription, ev Evidence, asOf time.Time) Decision {
	asOf = model.DayOf(asOf)
	sub := copySub(prev)
	var events []model.ChangeType

	switch {
	case ev.Present && m.reactivates(prev, ev, asOf):
		m.absorb(&sub, ev)
		sub.Status = model.StatusReactivated
		sub.Confidence = ev.Confidence
		sub.UserCancelled = false
		sub.CancelledAt = nil
		if ev.NewEpoch {
			sub.ActiveSince = ev.FirstCharge
			sub.Occurrences = ev.Occurrences
			sub.Amount = ev.Amount
		}
		events = append(events, model.ChangeReactivated)

	case prev.UserCancelled:
		// Authoritative until a charge after the cancellation.

	case prev.Status == model.StatusCancelled:
		// Only a reactivation leaves cancelled.

	default:
		if ev.Present {
			if m.absorb(&sub, ev) {
				events = append(events, model.ChangeAmountChanged)
			}
			if !ev.BelowThreshold && ev.Confidence > sub.Confidence {
				sub.Confidence = ev.Confidence
			}
		}
		events = append(events, m.transition(prev, &sub, ev, asOf)...)
	}

	sub.NextBilling = m.nextBilling(sub)
	d := Decision{Subscription: sub, Events: events}
	d.StateChanged = sub.Status != prev.Status
	d.Changed = d.StateChanged || !sameSub(prev, sub)
	if d.StateChanged {
		d.Subscription.StatusChangedAt = asOf
	}
	if d.Changed {
		d.Subscription.UpdatedAt = asOf
	}
	return d
}

// transition applies silence and downgrades to a subscription that is not
// cancelled.
func (m *Machine) transition(prev model.Subscription, sub *model.Subscription, ev Evidence, asOf time.Time) []model.ChangeType {
	silence := m.SilenceStatus(sub.LastBilling, sub.Frequency, asOf)
	switch {
	case silence == model.StatusCancelled:
		sub.Status = model.StatusCancelled
		return []model.ChangeType{model.ChangeCancelled}
	case prev.Status == model.StatusPendingDetection:
		if ev.Present && ev.Promotable {
			sub.Status = silence
			return []model.ChangeType{model.ChangeCreated}
		}
	case !prev.Status.Live():
		// atRisk holds until a reactivation or cancellation.
	case silence == model.StatusAtRisk:
		sub.Status = model.StatusAtRisk
		return []model.ChangeType{model.ChangeAtRisk}
	case ev.Present && ev.BelowThreshold:
		sub.Status = model.StatusAtRisk
		sub.Confidence = ev.Confidence
		return []model.ChangeType{model.ChangeAtRisk}
	}
	return nil
}

// reactivates reports whether a subscription that left active sees a new
// qualifying charge.
func (m *Machine) reactivates(prev model.Subscription, ev Evidence, asOf time.Time) bool {
	if prev.Status.Live() || prev.Status == model.StatusPendingDetection {
		return false
	}
	if !ev.LastCharge.After(prev.LastBilling) {
		return false
	}
	if prev.UserCancelled && prev.CancelledAt != nil && !ev.LastCharge.After(model.DayOf(*prev.CancelledAt)) {
		return false
	}
	if ev.BelowThreshold {
		return false
	}
	f := ev.Frequency
	if !f.Recurring() {
		f = prev.Frequency
	}
	return m.SilenceStatus(ev.LastCharge, f, asOf) == model.StatusActive
}

// absorb copies billing facts from ev into sub and reports whether the
// amount moved to a new price.
func (m *Machine) absorb(sub *model.Subscription, ev Evidence) bool {
	if ev.LastCharge.After(sub.LastBilling) {
		sub.LastBilling = ev.LastCharge
	}
	if ev.Frequency.Recurring() {
		sub.Frequency = ev.Frequency
	}
	if ev.Occurrences > sub.Occurrences {
		sub.Occurrences = ev.Occurrences
	}
	if ev.Category != "" {
		sub.Category = ev.Category
	}
	if ev.Amount.IsZero() || ev.Amount.Equal(sub.Amount) {
		return false
	}
	if m.cfg.SameAmount(ev.Amount, sub.Amount) {
		sub.Amount = ev.Amount
		return false
	}
	if !ev.AmountStable {
		return false
	}
	sub.Amount = ev.Amount
	return true
}

func (m *Machine) nextBilling(sub model.Subscription) *time.Time {
	if sub.Status == model.StatusCancelled || !sub.Frequency.Recurring() || sub.LastBilling.IsZero() {
		return nil
	}
	next := sub.Frequency.Next(sub.LastBilling)
	return &next
}

// Cancel applies the external "mark cancelled" signal. It overrides any
// inferred state immediately.
func (m *Machine) Cancel(prev model.Subscription, at time.Time) Decision {
	if prev.UserCancelled && prev.Status == model.StatusCancelled {
		return Decision{Subscription: copySub(prev)}
	}
	sub := copySub(prev)
	at = at.UTC()
	sub.UserCancelled = true
	sub.CancelledAt = &at
	sub.Status = model.StatusCancelled
	sub.NextBilling = nil

	d := Decision{Subscription: sub, Changed: true}
	if prev.Status != model.StatusCancelled {
		d.StateChanged = true
		d.Events = []model.ChangeType{model.ChangeCancelled}
		d.Subscription.StatusChangedAt = model.DayOf(at)
	}
	d.Subscription.UpdatedAt = model.DayOf(at)
	return d
}

func copySub(s model.Subscription) model.Subscription {
	if s.NextBilling != nil {
		t := *s.NextBilling
		s.NextBilling = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		s.CancelledAt = &t
	}
	return s
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// sameSub compares the fields evaluation may change.
func sameSub(a, b model.Subscription) bool {
	return a.Amount.Equal(b.Amount) &&
		a.Frequency == b.Frequency &&
		a.LastBilling.Equal(b.LastBilling) &&
		a.ActiveSince.Equal(b.ActiveSince) &&
		a.Status == b.Status &&
		a.Confidence == b.Confidence &&
		a.Occurrences == b.Occurrences &&
		a.Category == b.Category &&
		a.UserCancelled == b.UserCancelled &&
		sameTime(a.CancelledAt, b.CancelledAt) &&
		sameTime(a.NextBilling, b.NextBilling)
}
