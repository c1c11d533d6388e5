package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huertohogar/store/internal/domain/coupon"
)

func writeGz(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestSharedCodes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "codes-1.gz", "feria2025", "SOLOUNO1", "CANASTA77", "abc"),
		writeGz(t, dir, "codes-2.gz", "FERIA2025", "SOLODOS2", "  canasta77 "),
		writeGz(t, dir, "codes-3.gz", "FERIA2025", "SOLOTRES"),
	}

	filters, err := buildFilters(ctx, files, 1000)
	require.NoError(t, err)
	require.Len(t, filters, 3)

	t.Run("TwoSources", func(t *testing.T) {
		codes, err := sharedCodes(ctx, files, filters, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"CANASTA77", "FERIA2025"}, codes)
	})

	t.Run("ThreeSources", func(t *testing.T) {
		codes, err := sharedCodes(ctx, files, filters, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"FERIA2025"}, codes)
	})

	t.Run("OneSource", func(t *testing.T) {
		codes, err := sharedCodes(ctx, files, []*bloom.BloomFilter{nil, nil, nil}, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"CANASTA77", "FERIA2025", "SOLODOS2", "SOLOTRES", "SOLOUNO1"}, codes, "short codes are dropped")
	})
}

func TestEachCode_Cancelled(t *testing.T) {
	path := writeGz(t, t.TempDir(), "codes-1.gz", "FERIA2025")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eachCode(ctx, path, func(string) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuleFor(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	opts := options{validFor: 24 * time.Hour, maxUses: 1}

	r := ruleFor("DESPACHO123", opts, now)
	assert.Equal(t, "DESPACHO123", r.Code)
	assert.Equal(t, coupon.DiscountFreeShipping, r.DiscountType)
	assert.Equal(t, 1, r.MaxUses)
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, now.Add(24*time.Hour), *r.ValidUntil)

	r = ruleFor("XYZ12345", options{}, now)
	assert.Equal(t, coupon.DiscountPercentage, r.DiscountType)
	assert.True(t, r.Value.Equal(defaultRule.Value))
	assert.Nil(t, r.ValidUntil)
	assert.Zero(t, r.MaxUses)
}
