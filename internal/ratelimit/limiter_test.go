package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAllow(t *testing.T) {
	// 1 request/sec, burst of 2
	l := New(1, 2)
	defer l.Stop()

	// First two requests consume the burst, both allowed.
	if !l.Allow("acme.service-now.com") {
		t.Fatal("first request should be allowed")
	}
	if !l.Allow("acme.service-now.com") {
		t.Fatal("second request (burst) should be allowed")
	}

	// Third request exceeds burst.
	if l.Allow("acme.service-now.com") {
		t.Fatal("third request should be denied (burst exhausted)")
	}
}

func TestSeparateKeys(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()

	if !l.Allow("a.example.com") {
		t.Fatal("first key first request should be allowed")
	}
	if l.Allow("a.example.com") {
		t.Fatal("first key second request should be denied")
	}

	// Different key has its own bucket.
	if !l.Allow("b.example.com") {
		t.Fatal("second key first request should be allowed")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(0.001, 1)
	defer l.Stop()

	ctx := context.Background()
	if err := l.Wait(ctx, "slow.example.com"); err != nil {
		t.Fatalf("first Wait() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "slow.example.com"); err == nil {
		t.Fatal("second Wait() should fail before the next token")
	} else if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation: %v", err)
	}
}

func TestNonPositiveRateDisablesLimiting(t *testing.T) {
	l := New(0, 0)
	defer l.Stop()
	for i := range 100 {
		if !l.Allow("example.com") {
			t.Fatalf("request %d denied with limiting disabled", i)
		}
	}
}

func TestStopTwice(t *testing.T) {
	l := New(1, 1)
	l.Stop()
	l.Stop()
}

func TestHostKey(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{name: "host with port", addr: "Example.COM:443", want: "example.com"},
		{name: "ipv4 with port", addr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ipv6 with port", addr: "[::1]:443", want: "::1"},
		{name: "bare host", addr: "acme.service-now.com", want: "acme.service-now.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HostKey(tt.addr); got != tt.want {
				t.Errorf("HostKey(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}
