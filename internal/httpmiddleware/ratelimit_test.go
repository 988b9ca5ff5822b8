package httpmiddleware

import "testing"

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	l := NewSimpleTokenBucket(3, 3)
	for i := 0; i < 3; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatalf("request %d denied inside capacity", i+1)
		}
	}
	if l.allow("1.2.3.4") {
		t.Fatal("request allowed past capacity")
	}
}

func TestTokenBucketIsPerKey(t *testing.T) {
	l := NewSimpleTokenBucket(1, 1)
	if !l.allow("a") {
		t.Fatal("first key denied")
	}
	if !l.allow("b") {
		t.Fatal("second key should have its own bucket")
	}
	if l.allow("a") {
		t.Fatal("exhausted key allowed")
	}
}

func TestTokenBucketDefaultsCapacity(t *testing.T) {
	l := NewSimpleTokenBucket(0, 5)
	if l.capacity != 5 {
		t.Fatalf("capacity = %d, want 5", l.capacity)
	}
}
