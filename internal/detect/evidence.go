package detect

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/cluster"
	"github.com/cleared-dev/recur/internal/confidence"
	"github.com/cleared-dev/recur/internal/lifecycle"
	"github.com/cleared-dev/recur/internal/model"
)

// evidence scores a segment for prev (nil for a new series). Only charges
// of prev's current epoch count. Once prev has left active, charges after
// its last billing (and after a user cancellation) open a new epoch, so
// the silence gap never counts as an interval. Every transaction of the
// segment is returned for linking.
func (e *Engine) evidence(r *run, seg cluster.Series, prev *model.Subscription) (lifecycle.Evidence, []model.Transaction) {
	var all []model.Transaction
	for _, cl := range seg.Clusters {
		all = append(all, cl.Transactions...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Date.Before(all[j].Date) })

	txns := all
	newEpoch := false
	if prev != nil {
		txns = onOrAfter(txns, prev.ActiveSince)
		if !prev.Status.Live() && prev.Status != model.StatusPendingDetection {
			if after := txns[firstAfter(txns, resumeBoundary(*prev)):]; len(after) > 0 {
				newEpoch = true
				txns = after
			}
		}
	}
	if len(txns) == 0 {
		return lifecycle.Evidence{}, all
	}

	fres := e.classifier.Classify(datesOf(txns))
	freq, regularity, provisional := fres.Frequency, fres.Regularity, fres.Provisional
	if len(fres.Deltas) == 0 {
		// A lone charge inherits the known interval.
		freq, regularity, provisional = model.FrequencyUnknown, 0, true
		if prev != nil {
			freq, regularity = prev.Frequency, 1
		}
	}
	if fres.Ambiguous {
		r.result.Stats.Irregular++
	}

	latest := onOrAfter(seg.Latest().Transactions, txns[0].Day())
	amounts := make([]decimal.Decimal, len(latest))
	for i, t := range latest {
		amounts[i] = t.Outflow()
	}
	current := amounts
	if len(current) > 3 {
		current = current[len(current)-3:]
	}

	merchantConf, category := 0.0, ""
	for _, t := range txns {
		res := r.batch.Resolutions[t.ID]
		merchantConf += res.Confidence
		if res.Category != "" {
			category = res.Category
		}
	}
	merchantConf /= float64(len(txns))

	score := e.scorer.Score(confidence.Input{
		Occurrences:        len(txns),
		Regularity:         regularity,
		Amounts:            amounts,
		MerchantConfidence: merchantConf,
		Provisional:        provisional,
	})
	minOcc := e.scorer.Config().MinOccurrences
	promotable := freq.Recurring() && e.scorer.Promote(score, len(txns))
	below := len(txns) >= minOcc && !promotable
	if below {
		r.result.Stats.BelowThreshold++
	}

	return lifecycle.Evidence{
		Present:        true,
		FirstCharge:    txns[0].Day(),
		LastCharge:     txns[len(txns)-1].Day(),
		Frequency:      freq,
		Confidence:     score,
		Promotable:     promotable,
		BelowThreshold: below,
		Amount:         cluster.Median(current).Round(2),
		AmountStable:   len(latest) >= 2,
		Occurrences:    len(txns),
		Currency:       seg.Currency,
		Category:       category,
		NewEpoch:       newEpoch,
	}, all
}

// resumeBoundary is the last day that still belongs to prev's stopped
// epoch.
func resumeBoundary(prev model.Subscription) time.Time {
	last := model.DayOf(prev.LastBilling)
	if prev.UserCancelled && prev.CancelledAt != nil && model.DayOf(*prev.CancelledAt).After(last) {
		return model.DayOf(*prev.CancelledAt)
	}
	return last
}

// onOrAfter returns the date-sorted txns charged on or after from.
func onOrAfter(txns []model.Transaction, from time.Time) []model.Transaction {
	if from.IsZero() {
		return txns
	}
	var out []model.Transaction
	for _, t := range txns {
		if !t.Day().Before(from) {
			out = append(out, t)
		}
	}
	return out
}

// firstAfter returns the index of the first of the date-sorted txns
// charged after day.
func firstAfter(txns []model.Transaction, day time.Time) int {
	return sort.Search(len(txns), func(i int) bool { return txns[i].Day().After(day) })
}

func datesOf(txns []model.Transaction) []time.Time {
	out := make([]time.Time, len(txns))
	for i, t := range txns {
		out[i] = t.Day()
	}
	return out
}
