package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheFundingSnapshot(t *testing.T) {
	mc := NewMemoryCache(100)
	defer mc.Close()
	ctx := context.Background()

	type payload struct {
		Symbol string  `json:"symbol"`
		Rate   float64 `json:"rate"`
	}

	t.Run("round trip", func(t *testing.T) {
		in := payload{Symbol: "BTC/USDT:USDT", Rate: 0.012}
		if err := mc.SetFundingSnapshot(ctx, "BTC/USDT:USDT", in, time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}

		var out payload
		if err := mc.GetFundingSnapshot(ctx, "BTC/USDT:USDT", &out); err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if out != in {
			t.Errorf("got %+v, want %+v", out, in)
		}
	})

	t.Run("missing key errors", func(t *testing.T) {
		var out payload
		if err := mc.GetFundingSnapshot(ctx, "NOPE/USDT:USDT", &out); err == nil {
			t.Error("expected error for missing key")
		}
	})

	// 测试过期
	t.Run("expiration", func(t *testing.T) {
		if err := mc.SetFundingSnapshot(ctx, "SHORT/USDT:USDT", payload{Symbol: "x"}, 50*time.Millisecond); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		time.Sleep(80 * time.Millisecond)

		var out payload
		if err := mc.GetFundingSnapshot(ctx, "SHORT/USDT:USDT", &out); err == nil {
			t.Error("expected error for expired key")
		}
	})
}

func TestMemoryCacheLock(t *testing.T) {
	mc := NewMemoryCache(100)
	defer mc.Close()
	ctx := context.Background()

	ok, err := mc.AcquireLock(ctx, "tick", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = mc.AcquireLock(ctx, "tick", time.Minute)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Error("held lock must not be acquirable")
	}

	if err := mc.ReleaseLock(ctx, "tick"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, _ = mc.AcquireLock(ctx, "tick", time.Minute)
	if !ok {
		t.Error("released lock must be acquirable again")
	}
}

func TestMemoryCacheRateLimit(t *testing.T) {
	mc := NewMemoryCache(100)
	defer mc.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := mc.CheckRateLimit(ctx, "api", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d should pass: ok=%v err=%v", i, ok, err)
		}
	}

	ok, err := mc.CheckRateLimit(ctx, "api", 3, time.Minute)
	if err != nil {
		t.Fatalf("limit check errored: %v", err)
	}
	if ok {
		t.Error("fourth request within the window must be limited")
	}
}

func TestNewCacherFallsBackToMemory(t *testing.T) {
	c, err := NewCacher(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("disabled redis must yield a memory cache: %v", err)
	}
	defer c.Close()

	if _, ok := c.(*MemoryCache); !ok {
		t.Errorf("expected *MemoryCache, got %T", c)
	}
}
