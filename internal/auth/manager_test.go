package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kiro-gateway/kiro-gateway/internal/pool"
)

func TestIsExpiryNear(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		near      bool
	}{
		{"expired token", time.Now().Add(-1 * time.Hour), true},
		{"expires within threshold", time.Now().Add(2 * time.Minute), true},
		{"expires at threshold boundary", time.Now().Add(5 * time.Minute), true},
		{"expires after threshold", time.Now().Add(10 * time.Minute), false},
		{"expires in one hour", time.Now().Add(1 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := pool.NewAccount("us-east-1", "social")
			account.ExpiresAt = tt.expiresAt.UTC().Format(time.RFC3339)
			assert.Equal(t, tt.near, IsExpiryNear(account, 5))
		})
	}
}

func TestIsExpiryNear_UnparsableTreatedAsNear(t *testing.T) {
	account := pool.NewAccount("us-east-1", "social")
	account.ExpiresAt = ""
	assert.True(t, IsExpiryNear(account, 5))
}

func TestManager_RefreshDeduplicatesConcurrentCalls(t *testing.T) {
	m := NewManager(nil)
	var callCount atomic.Int32

	refreshFn := func() (interface{}, error) {
		callCount.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "refreshed", nil
	}

	var wg sync.WaitGroup
	const concurrency = 10
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err, _ := m.sf.Do("account-uuid", refreshFn)
			assert.NoError(t, err)
			assert.Equal(t, "refreshed", result)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), callCount.Load())
}

func TestManager_RefreshDoesNotDeduplicateDifferentAccounts(t *testing.T) {
	m := NewManager(nil)
	var callCount atomic.Int32

	refreshFn := func() (interface{}, error) {
		callCount.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "refreshed", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		go func(k string) {
			defer wg.Done()
			_, err, _ := m.sf.Do(k, refreshFn)
			assert.NoError(t, err)
		}(key)
	}
	wg.Wait()

	assert.Equal(t, int32(3), callCount.Load())
}

func TestRefreshIfNear_NoOpWhenNotNear(t *testing.T) {
	m := NewManager(nil)
	account := pool.NewAccount("us-east-1", "social")
	account.ExpiresAt = time.Now().Add(1 * time.Hour).UTC().Format(time.RFC3339)

	err := m.RefreshIfNear(context.Background(), account, 5)
	assert.NoError(t, err)
}
