package csvstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/model"
)

// SubscriptionHeader is the CSV header for subscriptions.csv.
const SubscriptionHeader = "id,user_id,name,merchant_key,amount_bucket,amount,currency,frequency,next_billing,last_billing,active_since,status,confidence,occurrences,category,user_cancelled,cancelled_at,status_changed_at,created_at,updated_at"

// AliasHeader is the CSV header for aliases.csv.
const AliasHeader = "namespace,original_name,normalized_name,suggested_category,confidence,verified,usage_count,last_used_at"

const (
	dateFormat = "2006-01-02"

	subFields          = 20
	subColID           = 0
	subColUserID       = 1
	subColName         = 2
	subColMerchantKey  = 3
	subColBucket       = 4
	subColAmount       = 5
	subColCurrency     = 6
	subColFrequency    = 7
	subColNextBilling  = 8
	subColLastBilling  = 9
	subColActiveSince  = 10
	subColStatus       = 11
	subColConfidence   = 12
	subColOccurrences  = 13
	subColCategory     = 14
	subColUserCancel   = 15
	subColCancelledAt  = 16
	subColStatusChange = 17
	subColCreatedAt    = 18
	subColUpdatedAt    = 19

	aliasFields      = 8
	aliasColNS       = 0
	aliasColOriginal = 1
	aliasColName     = 2
	aliasColCategory = 3
	aliasColConf     = 4
	aliasColVerified = 5
	aliasColUsage    = 6
	aliasColLastUsed = 7
)

func subscriptionColumns() []string { return strings.Split(SubscriptionHeader, ",") }
func aliasColumns() []string        { return strings.Split(AliasHeader, ",") }

// MarshalSubscription converts a Subscription to a CSV row.
func MarshalSubscription(sub model.Subscription) []string {
	row := make([]string, subFields)
	row[subColID] = sub.ID
	row[subColUserID] = sub.UserID
	row[subColName] = sub.Name
	row[subColMerchantKey] = sub.MerchantKey
	row[subColBucket] = sub.AmountBucket
	row[subColAmount] = sub.Amount.StringFixed(2)
	row[subColCurrency] = sub.Currency
	row[subColFrequency] = string(sub.Frequency)
	if sub.NextBilling != nil {
		row[subColNextBilling] = sub.NextBilling.Format(dateFormat)
	}
	row[subColLastBilling] = formatDate(sub.LastBilling)
	row[subColActiveSince] = formatDate(sub.ActiveSince)
	row[subColStatus] = string(sub.Status)
	row[subColConfidence] = strconv.FormatFloat(sub.Confidence, 'f', -1, 64)
	row[subColOccurrences] = strconv.Itoa(sub.Occurrences)
	row[subColCategory] = sub.Category
	row[subColUserCancel] = strconv.FormatBool(sub.UserCancelled)
	if sub.CancelledAt != nil {
		row[subColCancelledAt] = sub.CancelledAt.UTC().Format(time.RFC3339)
	}
	row[subColStatusChange] = formatTime(sub.StatusChangedAt)
	row[subColCreatedAt] = formatTime(sub.CreatedAt)
	row[subColUpdatedAt] = formatTime(sub.UpdatedAt)
	return row
}

// UnmarshalSubscription converts a CSV row to a Subscription.
func UnmarshalSubscription(record []string) (model.Subscription, error) {
	if len(record) != subFields {
		return model.Subscription{}, fmt.Errorf("expected %d fields, got %d", subFields, len(record))
	}
	p := parser{}

	sub := model.Subscription{
		ID:              record[subColID],
		UserID:          record[subColUserID],
		Name:            record[subColName],
		MerchantKey:     record[subColMerchantKey],
		AmountBucket:    record[subColBucket],
		Amount:          p.money("amount", record[subColAmount]),
		Currency:        record[subColCurrency],
		Frequency:       model.Frequency(record[subColFrequency]),
		NextBilling:     p.optDate("next_billing", record[subColNextBilling]),
		LastBilling:     p.date("last_billing", record[subColLastBilling]),
		ActiveSince:     p.date("active_since", record[subColActiveSince]),
		Status:          model.Status(record[subColStatus]),
		Confidence:      p.float("confidence", record[subColConfidence]),
		Occurrences:     p.integer("occurrences", record[subColOccurrences]),
		Category:        record[subColCategory],
		UserCancelled:   p.boolean("user_cancelled", record[subColUserCancel]),
		CancelledAt:     p.optTimestamp("cancelled_at", record[subColCancelledAt]),
		StatusChangedAt: p.timestamp("status_changed_at", record[subColStatusChange]),
		CreatedAt:       p.timestamp("created_at", record[subColCreatedAt]),
		UpdatedAt:       p.timestamp("updated_at", record[subColUpdatedAt]),
	}
	if p.err != nil {
		return model.Subscription{}, p.err
	}
	return sub, nil
}

// MarshalAlias converts a MerchantAlias to a CSV row.
func MarshalAlias(a model.MerchantAlias) []string {
	row := make([]string, aliasFields)
	row[aliasColNS] = a.Namespace
	row[aliasColOriginal] = a.OriginalName
	row[aliasColName] = a.NormalizedName
	row[aliasColCategory] = a.SuggestedCategory
	row[aliasColConf] = strconv.FormatFloat(a.Confidence, 'f', -1, 64)
	row[aliasColVerified] = strconv.FormatBool(a.Verified)
	row[aliasColUsage] = strconv.FormatInt(a.UsageCount, 10)
	row[aliasColLastUsed] = formatDate(a.LastUsedAt)
	return row
}

// UnmarshalAlias converts a CSV row to a MerchantAlias.
func UnmarshalAlias(record []string) (model.MerchantAlias, error) {
	if len(record) != aliasFields {
		return model.MerchantAlias{}, fmt.Errorf("expected %d fields, got %d", aliasFields, len(record))
	}
	p := parser{}
	a := model.MerchantAlias{
		Namespace:         record[aliasColNS],
		OriginalName:      record[aliasColOriginal],
		NormalizedName:    record[aliasColName],
		SuggestedCategory: record[aliasColCategory],
		Confidence:        p.float("confidence", record[aliasColConf]),
		Verified:          p.boolean("verified", record[aliasColVerified]),
		UsageCount:        int64(p.integer("usage_count", record[aliasColUsage])),
		LastUsedAt:        p.date("last_used_at", record[aliasColLastUsed]),
	}
	if p.err != nil {
		return model.MerchantAlias{}, p.err
	}
	return a, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateFormat)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parser keeps the first field error so a row can be decoded in one
// struct literal.
type parser struct {
	err error
}

func (p *parser) fail(field, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parsing %s %q: %w", field, value, err)
	}
}

func (p *parser) money(field, v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(field, v, err)
	}
	return d
}

func (p *parser) float(field, v string) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(field, v, err)
	}
	return f
}

func (p *parser) integer(field, v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(field, v, err)
	}
	return n
}

func (p *parser) boolean(field, v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(field, v, err)
	}
	return b
}

func (p *parser) date(field, v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateFormat, v)
	if err != nil {
		p.fail(field, v, err)
	}
	return t
}

func (p *parser) optDate(field, v string) *time.Time {
	if v == "" {
		return nil
	}
	t := p.date(field, v)
	return &t
}

func (p *parser) timestamp(field, v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.fail(field, v, err)
	}
	return t
}

func (p *parser) optTimestamp(field, v string) *time.Time {
	if v == "" {
		return nil
	}
	t := p.timestamp(field, v)
	return &t
}
