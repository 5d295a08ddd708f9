package utils

import (
	"context"
	"testing"
	"time"
)

func TestSeatScriptsInitialized(t *testing.T) {
	if seatAcquireScript == nil || seatReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestAcquireSeat_RejectsInvalidArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireSeat(ctx, nil, "k", "m", 2, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseSeat(ctx, nil, "k", "m"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisConfig_ReadTimeoutCoversBlockingReads(t *testing.T) {
	c := RedisConfig{}.withDefaults()
	if c.ReadTimeout < 5*time.Second {
		t.Fatalf("read timeout too short for blocking XREAD: %s", c.ReadTimeout)
	}
}
