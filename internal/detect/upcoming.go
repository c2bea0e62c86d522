package detect

import (
	"sort"

	"github.com/cleared-dev/recur/internal/model"
)

// upcoming matches pending debits against the live subscriptions after
// this run's decisions. Pending charges never change state.
func (e *Engine) upcoming(r *run, pending []model.Transaction) []Upcoming {
	var live []model.Subscription
	for _, p := range r.plans {
		if p.decision.Subscription.Status.Live() {
			live = append(live, p.decision.Subscription)
		}
	}
	var out []Upcoming
	for _, t := range pending {
		if !t.IsDebit() {
			continue
		}
		key := r.batch.Key(t.ID)
		for _, sub := range live {
			if sub.MerchantKey != key || sub.Currency != t.Currency || !e.clusterer.SameBucket(sub.Amount, t.Outflow()) {
				continue
			}
			out = append(out, Upcoming{
				SubscriptionID: sub.ID,
				Name:           sub.Name,
				TransactionID:  t.ID,
				Amount:         t.Outflow(),
				Date:           t.Day(),
			})
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
