package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nerrad567/dispatchd/internal/infrastructure/config"
)

// connectTest connects to DISPATCHD_TEST_REDIS or skips.
func connectTest(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("DISPATCHD_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCHD_TEST_REDIS not set, skipping Redis test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, config.RedisConfig{Enabled: true, Addr: addr})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.RedisConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.RedisConfig{Enabled: true, Addr: "127.0.0.1:59998"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestStrings_Roundtrip(t *testing.T) {
	c := connectTest(t)
	ctx := context.Background()
	key := "test:org:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { c.Delete(context.Background(), key) }) //nolint:errcheck // Test cleanup

	if _, ok, err := c.GetStrings(ctx, key); err != nil || ok {
		t.Fatalf("GetStrings() before set = (ok=%v, err=%v), want miss", ok, err)
	}

	if err := c.SetStrings(ctx, key, []string{"acu-1", "acu-2"}, time.Minute); err != nil {
		t.Fatalf("SetStrings() error = %v", err)
	}

	got, ok, err := c.GetStrings(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetStrings() = (ok=%v, err=%v), want hit", ok, err)
	}
	if len(got) != 2 || got[0] != "acu-1" || got[1] != "acu-2" {
		t.Errorf("GetStrings() = %v, want [acu-1 acu-2]", got)
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.GetStrings(ctx, key); ok {
		t.Error("key still present after Delete()")
	}
}
