package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/model"
)

func TestTokenCache_SingleFetchUnderConcurrency(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	cache := newTokenCache(time.Second, func(ctx context.Context) (*CachedToken, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return &CachedToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok", tok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestTokenCache_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var fetches int
	cache := newTokenCache(time.Second, func(ctx context.Context) (*CachedToken, error) {
		fetches++
		return &CachedToken{AccessToken: "tok", ExpiresAt: now.Add(time.Minute)}, nil
	})
	cache.now = func() time.Time { return now }

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	// inside the skew window the token counts as expired
	now = now.Add(45 * time.Second)
	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)

	cache.Invalidate()
	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, fetches)
}

func TestTokenCache_FetchError(t *testing.T) {
	boom := errors.New("denied")
	cache := newTokenCache(time.Second, func(ctx context.Context) (*CachedToken, error) {
		return nil, boom
	})
	_, err := cache.Token(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTokenCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var fetches int32
	started := make(chan struct{})
	release := make(chan struct{})
	cache := newTokenCache(time.Second, func(ctx context.Context) (*CachedToken, error) {
		atomic.AddInt32(&fetches, 1)
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &CachedToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Token(first)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		tok, err := cache.Token(context.Background())
		assert.NoError(t, err)
		second <- tok
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)
	assert.Equal(t, "tok", <-second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestTokenCache_RefreshIsBounded(t *testing.T) {
	cache := newTokenCache(20*time.Millisecond, func(ctx context.Context) (*CachedToken, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := cache.Token(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNormalize_Total(t *testing.T) {
	tables := map[string]map[string]model.Status{
		"ademico":   ademicoStatuses,
		"unit4":     unit4Statuses,
		"recommand": recommandStatuses,
	}
	for name, table := range tables {
		for vendor, want := range table {
			assert.True(t, want.Valid(), "%s %s", name, vendor)
			assert.Equal(t, want, normalize(table, vendor))
			assert.Equal(t, want, normalize(table, strings.ToLower(vendor)))
		}
		assert.Equal(t, model.StatusPending, normalize(table, "something-new"))
		assert.Equal(t, model.StatusPending, normalize(table, ""))
	}

	assert.Equal(t, model.StatusFailed, normalize(unit4Statuses, "not-delivered"))
	assert.Equal(t, model.StatusProcessed, normalize(unit4Statuses, "Accepted by receiver"))
}

func TestParseTime(t *testing.T) {
	assert.Nil(t, parseTime(""))
	assert.Nil(t, parseTime("yesterday"))
	require.NotNil(t, parseTime("2026-03-01"))
	got := parseTime("2026-03-01T10:00:00Z")
	require.NotNil(t, got)
	assert.Equal(t, 10, got.Hour())
}
