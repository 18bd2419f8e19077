package utils

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestConcurrencyScriptsCompile(t *testing.T) {
	if concurrencyAcquireScript == nil || concurrencyReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestNewInflightCap_Validates(t *testing.T) {
	if _, err := NewInflightCap(nil, "", 1, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}

	// no connection is made until the first command
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	if _, err := NewInflightCap(rdb, "", 0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewInflightCap(rdb, "", 1, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	c, err := NewInflightCap(rdb, "", 4, time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.key != DefaultInflightKey {
		t.Fatalf("expected default key, got %q", c.key)
	}
}
