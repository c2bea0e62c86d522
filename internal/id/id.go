package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// subscriptionNS scopes name-based subscription ids.
var subscriptionNS = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://cleared.dev/recur/subscription"))

const keySep = "|"

// UpsertKey returns the storage key a subscription is upserted on.
// "u1", "NETFLIX", "15.49" -> "u1|NETFLIX|15.49"
func UpsertKey(userID, merchantKey, bucket string) string {
	return userID + keySep + merchantKey + keySep + bucket
}

// ParseUpsertKey splits an upsert key back into its parts.
func ParseUpsertKey(key string) (userID, merchantKey, bucket string, err error) {
	parts := strings.SplitN(key, keySep, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid upsert key: %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// SubscriptionID derives a stable id from the upsert key, so two runs that
// race on the same series agree on the id.
func SubscriptionID(userID, merchantKey, bucket string) string {
	return uuid.NewSHA1(subscriptionNS, []byte(UpsertKey(userID, merchantKey, bucket))).String()
}

// EventID returns a fresh random id for a change event.
func EventID() string {
	return uuid.New().String()
}

// FormatTransactionID returns an importer id like
// "chase_20250103_GITHUBPROS_-400_1", the amount in cents. seq disambiguates
// identical rows on the same day.
func FormatTransactionID(source string, date time.Time, desc string, amount decimal.Decimal, seq int) string {
	prefix := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, desc)
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	cents := amount.Shift(2).StringFixed(0)
	return fmt.Sprintf("%s_%s_%s_%s_%d", source, date.Format("20060102"), prefix, cents, seq)
}
