package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := New("exchange", Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second})

	for i := 0; i < 4; i++ {
		err := b.Call(func() error { return errors.New("boom") }, nil)
		if err == nil {
			t.Fatalf("call %d: expected failure to propagate", i)
		}
		if b.State() != Closed {
			t.Fatalf("call %d: breaker tripped early, state=%v", i, b.State())
		}
	}

	// 5th consecutive failure trips the breaker.
	_ = b.Call(func() error { return errors.New("boom") }, nil)
	if b.State() != Open {
		t.Fatalf("state = %v, want Open after 5th failure", b.State())
	}

	err := b.Call(func() error { return nil }, nil)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError while Open, got %v", err)
	}
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > 60*time.Second {
		t.Fatalf("RetryAfter = %v, want in (0, 60s]", openErr.RetryAfter)
	}

	stats := b.GetStats()
	if stats.Failures != 5 {
		t.Fatalf("Failures = %d, want 5", stats.Failures)
	}
	if stats.BlockedRequests != 1 {
		t.Fatalf("BlockedRequests = %d, want 1", stats.BlockedRequests)
	}
}

func TestBreakerHalfOpenRecoversToClosed(t *testing.T) {
	b := New("exchange", Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	_ = b.Call(func() error { return errors.New("boom") }, nil)
	_ = b.Call(func() error { return errors.New("boom") }, nil)
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(15 * time.Millisecond)

	// First post-timeout call probes HalfOpen.
	if err := b.Call(func() error { return nil }, nil); err != nil {
		t.Fatalf("probe 1: unexpected error %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state after 1st probe success = %v, want HalfOpen (needs 2 successes)", b.State())
	}

	// Second success closes the breaker.
	if err := b.Call(func() error { return nil }, nil); err != nil {
		t.Fatalf("probe 2: unexpected error %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state after 2nd probe success = %v, want Closed", b.State())
	}

	stats := b.GetStats()
	if stats.Failures != 0 {
		t.Fatalf("Failures = %d, want 0 after close", stats.Failures)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("exchange", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	_ = b.Call(func() error { return errors.New("boom") }, nil)
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(15 * time.Millisecond)

	err := b.Call(func() error { return errors.New("boom again") }, nil)
	if err == nil {
		t.Fatalf("expected probe failure to propagate")
	}
	if b.State() != Open {
		t.Fatalf("state after failed probe = %v, want Open", b.State())
	}
}

func TestBreakerHalfOpenBoundsConcurrentProbes(t *testing.T) {
	b := New("exchange", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})
	_ = b.Call(func() error { return errors.New("boom") }, nil)
	time.Sleep(15 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	errs := make(chan error, 3)

	for i := 0; i < 3; i++ {
		go func() {
			errs <- b.Call(func() error {
				started <- struct{}{}
				<-release
				return nil
			}, nil)
		}()
	}

	<-started
	<-started
	// A 3rd concurrent probe beyond SuccessThreshold must be rejected
	// immediately without consuming a slot.
	rejected := b.Call(func() error { return nil }, nil)
	var openErr *OpenError
	if !errors.As(rejected, &openErr) {
		t.Fatalf("expected 3rd concurrent probe to be rejected, got %v", rejected)
	}

	close(release)
	for i := 0; i < 3; i++ {
		<-errs
	}
}

func TestBreakerClassifyIgnoresUnexpectedErrors(t *testing.T) {
	b := New("exchange", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	ignored := errors.New("not our problem")

	err := b.Call(func() error { return ignored }, func(e error) bool { return false })
	if err != ignored {
		t.Fatalf("expected the ignored error to propagate unchanged, got %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed (ignored error shouldn't trip breaker)", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := New("exchange", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	_ = b.Call(func() error { return errors.New("boom") }, nil)
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}
	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state after Reset = %v, want Closed", b.State())
	}
	if stats := b.GetStats(); stats.Failures != 0 || stats.TotalRequests != 0 {
		t.Fatalf("stats not cleared by Reset: %+v", stats)
	}
}
