package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAdmitUpToLimit(t *testing.T) {
	limiter := New(10, time.Hour)
	now := time.Unix(1800000000, 0)
	limiter.SetClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		if violation := limiter.Admit("bloom1qrequester"); violation != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i+1, violation)
		}
	}
	violation := limiter.Admit("bloom1qrequester")
	if violation == nil {
		t.Fatal("11th request within the window should be rejected")
	}
	if !errors.Is(violation, ErrRateLimited) {
		t.Fatalf("violation should unwrap to ErrRateLimited, got %v", violation)
	}
	if violation.Count != 10 || violation.Limit != 10 {
		t.Fatalf("unexpected diagnostics: %+v", violation)
	}
}

func TestWindowExpiryReadmits(t *testing.T) {
	limiter := New(10, time.Hour)
	now := time.Unix(1800000000, 0)
	limiter.SetClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		if violation := limiter.Admit("addr"); violation != nil {
			t.Fatalf("request %d limited: %v", i+1, violation)
		}
	}
	if limiter.Admit("addr") == nil {
		t.Fatal("expected rejection at capacity")
	}

	now = now.Add(time.Hour + time.Second)
	if violation := limiter.Admit("addr"); violation != nil {
		t.Fatalf("request after window should be admitted: %v", violation)
	}
}

func TestRejectionDoesNotConsumeSlot(t *testing.T) {
	limiter := New(2, time.Hour)
	now := time.Unix(1800000000, 0)
	limiter.SetClock(func() time.Time { return now })

	limiter.Admit("addr")
	limiter.Admit("addr")
	for i := 0; i < 5; i++ {
		if limiter.Admit("addr") == nil {
			t.Fatal("expected rejection")
		}
	}
	// Rejections recorded nothing, so both slots free up together.
	now = now.Add(time.Hour + time.Second)
	if limiter.Remaining("addr") != 2 {
		t.Fatalf("expected full capacity after window, got %d", limiter.Remaining("addr"))
	}
}

func TestRequestersAreIndependent(t *testing.T) {
	limiter := New(1, time.Hour)
	limiter.SetClock(func() time.Time { return time.Unix(1800000000, 0) })

	if limiter.Admit("alice") != nil {
		t.Fatal("alice should be admitted")
	}
	if limiter.Admit("bob") != nil {
		t.Fatal("bob should be admitted")
	}
	if limiter.Admit("alice") == nil {
		t.Fatal("alice should now be limited")
	}
}

func TestConcurrentAdmissionNeverOverAdmits(t *testing.T) {
	limiter := New(10, time.Hour)
	limiter.SetClock(func() time.Time { return time.Unix(1800000000, 0) })

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit("same") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted)
	}
}
