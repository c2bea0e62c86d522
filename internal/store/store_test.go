package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cleared-dev/recur/internal/model"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("op", nil))
	assert.ErrorIs(t, Wrap("get", ErrNotFound), ErrNotFound)

	base := errors.New("connection refused")
	err := Wrap("upsert subscription", base)
	var se *StorageError
	if assert.ErrorAs(t, err, &se) {
		assert.Equal(t, "upsert subscription", se.Op)
	}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "storage upsert subscription: connection refused", err.Error())

	// Already wrapped errors keep their original op.
	assert.Same(t, err, Wrap("outer", err))
}

func TestApplyUsage(t *testing.T) {
	jan := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	alias := model.MerchantAlias{UsageCount: 3, LastUsedAt: jan, Verified: true}

	assert.False(t, ApplyUsage(&alias, AliasUsage{NewCount: 2, LastUsedAt: jan}))
	assert.Equal(t, int64(3), alias.UsageCount)

	feb := jan.AddDate(0, 1, 0)
	assert.True(t, ApplyUsage(&alias, AliasUsage{NewCount: 2, LastUsedAt: feb}))
	assert.Equal(t, int64(5), alias.UsageCount)
	assert.Equal(t, feb, alias.LastUsedAt)
	assert.True(t, alias.Verified)
}
