package cache

import (
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("expected a=1, got %v ok=%v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("missing key should not be found")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("a", 1)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed on access, len=%d", c.Len())
	}
}

func TestSizeEviction(t *testing.T) {
	c := New(time.Hour, 3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Put("d", 4)
	if c.Len() != 3 {
		t.Fatalf("cap=3, len=%d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get("d"); !ok {
		t.Fatal("newest entry must survive eviction")
	}
}

func TestPutIfAbsent(t *testing.T) {
	c := New(time.Minute, 10)
	if !c.PutIfAbsent("k", 1) {
		t.Fatal("first put should report absent")
	}
	if c.PutIfAbsent("k", 2) {
		t.Fatal("second put should report present")
	}
	v, _ := c.Get("k")
	if v.(int) != 1 {
		t.Fatalf("value must not be overwritten, got %v", v)
	}
}

func TestPutIfAbsentAfterExpiry(t *testing.T) {
	c := New(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.PutIfAbsent("k", 1)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !c.PutIfAbsent("k", 2) {
		t.Fatal("expired key should count as absent")
	}
}
