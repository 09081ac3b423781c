package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(60, 10)
	now := time.Now()

	for i := 0; i < 10; i++ {
		if !l.AllowAt(now, "tools/call") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if l.AllowAt(now, "tools/call") {
		t.Fatal("request 11 allowed, burst should be exhausted")
	}
}

func TestRefillAfterOneSecond(t *testing.T) {
	l := New(60, 10)
	now := time.Now()

	for i := 0; i < 10; i++ {
		l.AllowAt(now, "k")
	}
	if l.AllowAt(now, "k") {
		t.Fatal("bucket not empty after burst")
	}
	// 60 rpm refills one token per second.
	if !l.AllowAt(now.Add(time.Second), "k") {
		t.Fatal("token not refilled after one second")
	}
	if l.AllowAt(now.Add(time.Second), "k") {
		t.Fatal("more than one token refilled after one second")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(60, 1)
	now := time.Now()

	if !l.AllowAt(now, "a") {
		t.Fatal("first request on key a denied")
	}
	if l.AllowAt(now, "a") {
		t.Fatal("second request on key a allowed")
	}
	if !l.AllowAt(now, "b") {
		t.Fatal("key b throttled by key a's bucket")
	}
}

func TestReset(t *testing.T) {
	l := New(60, 1)
	now := time.Now()

	l.AllowAt(now, "k")
	if l.AllowAt(now, "k") {
		t.Fatal("bucket not empty")
	}
	l.Reset("k")
	if !l.AllowAt(now, "k") {
		t.Fatal("Reset did not restore the bucket")
	}
}
