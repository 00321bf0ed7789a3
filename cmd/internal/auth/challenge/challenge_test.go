package challenge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

// storeContract runs the behaviour shared by every Store.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	c, err := s.Issue(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(c.Value) != 2*ValueBytes {
		t.Fatalf("unexpected value length %d", len(c.Value))
	}

	if err := s.Consume(ctx, "k1", "wrong"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	// Mismatch leaves the entry for the legitimate holder.
	if err := s.Consume(ctx, "k1", c.Value); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := s.Consume(ctx, "k1", c.Value); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second consume: expected not found, got %v", err)
	}

	// Re-issue overwrites.
	first, _ := s.Issue(ctx, "k2", time.Minute)
	second, _ := s.Issue(ctx, "k2", time.Minute)
	if first.Value == second.Value {
		t.Fatalf("expected fresh value on re-issue")
	}
	if err := s.Consume(ctx, "k2", first.Value); !errors.Is(err, ErrMismatch) {
		t.Fatalf("old value must not verify, got %v", err)
	}
	if err := s.Consume(ctx, "k2", second.Value); err != nil {
		t.Fatalf("Consume new: %v", err)
	}

	if _, err := s.Issue(ctx, " ", time.Minute); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore(nil))
}

func TestRedisStore_Contract(t *testing.T) {
	s, _ := setupRedisStore(t)
	storeContract(t, s)
}

func TestMemoryStore_Expiry(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clk.Now)
	ctx := context.Background()

	c, err := s.Issue(ctx, "k", 10*time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !c.ExpiresAt.Equal(clk.now.Add(10 * time.Second)) {
		t.Fatalf("unexpected expiry %v", c.ExpiresAt)
	}

	clk.Advance(10 * time.Second)
	if err := s.Consume(ctx, "k", c.Value); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry must be discarded")
	}
}

func TestMemoryStore_SweepsExpired(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clk.Now)
	ctx := context.Background()

	for i := 0; i < sweepEvery-1; i++ {
		if _, err := s.Issue(ctx, "stale-"+string(rune('a'+i%26))+string(rune('a'+i/26)), time.Second); err != nil {
			t.Fatalf("Issue: %v", err)
		}
	}
	clk.Advance(2 * time.Second)
	if _, err := s.Issue(ctx, "fresh", time.Minute); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected sweep to leave 1 entry, got %d", s.Len())
	}
}

func TestMemoryStore_TTLBounds(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clk.Now)

	c, _ := s.Issue(context.Background(), "default", 0)
	if got := c.ExpiresAt.Sub(clk.now); got != DefaultTTL {
		t.Fatalf("default ttl = %v", got)
	}
	c, _ = s.Issue(context.Background(), "max", 48*time.Hour)
	if got := c.ExpiresAt.Sub(clk.now); got != MaxTTL {
		t.Fatalf("max ttl = %v", got)
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	c, err := s.Issue(ctx, "k", 10*time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !mr.Exists(DefaultRedisPrefix + "k") {
		t.Fatalf("expected prefixed key in redis")
	}
	mr.FastForward(11 * time.Second)
	if err := s.Consume(ctx, "k", c.Value); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after expiry, got %v", err)
	}
}

func TestStores_ConcurrentConsumeSingleWinner(t *testing.T) {
	rs, _ := setupRedisStore(t)
	for name, s := range map[string]Store{"memory": NewMemoryStore(nil), "redis": rs} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := s.Issue(ctx, "race", time.Minute)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}

			var (
				wg  sync.WaitGroup
				won atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if s.Consume(ctx, "race", c.Value) == nil {
						won.Add(1)
					}
				}()
			}
			wg.Wait()
			if won.Load() != 1 {
				t.Fatalf("expected exactly one successful consume, got %d", won.Load())
			}
		})
	}
}

func TestKeys(t *testing.T) {
	if WalletKey("0xabc") != "wallet:0xabc" ||
		PasskeyRegistrationKey("p") != "passkey:reg:p" ||
		PasskeyAuthKey("p") != "passkey:auth:p" ||
		PasskeyCeremonyKey("c") != "passkey:auth:ceremony:c" {
		t.Fatalf("unexpected key layout")
	}
}
