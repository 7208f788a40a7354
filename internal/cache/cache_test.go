package cache

import (
	"testing"
	"time"
)

func TestGetSetDelete(t *testing.T) {
	t.Parallel()
	c, err := NewTTL[string](100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("should not find missing key")
	}

	c.Set("k1", "v1")
	// otter processes Set asynchronously; wait briefly.
	time.Sleep(50 * time.Millisecond)

	val, ok := c.Get("k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if val != "v1" {
		t.Errorf("value = %q, want v1", val)
	}

	c.Delete("k1")
	if _, ok := c.Get("k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestPerEntryTTL(t *testing.T) {
	t.Parallel()
	c, err := NewTTL[int](100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	c.SetTTL("expiring", 7, 50*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	if _, ok := c.Get("expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()
	c, err := NewTTL[int](100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("a", 1)
	c.Set("b", 2)
	time.Sleep(50 * time.Millisecond)

	c.Purge()
	if _, ok := c.Get("a"); ok {
		t.Error("purged key should be gone")
	}
}
