package model

import "time"

// MerchantAlias maps a cleaned merchant string to its normalized key.
// (Namespace, OriginalName) is unique. The enricher may flip Verified and
// attach a SuggestedCategory; both may be absent or stale.
type MerchantAlias struct {
	Namespace         string
	OriginalName      string
	NormalizedName    string
	SuggestedCategory string
	Confidence        float64
	Verified          bool
	UsageCount        int64
	LastUsedAt        time.Time // date of the newest transaction counted in UsageCount
}
