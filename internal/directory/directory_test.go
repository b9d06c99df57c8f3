package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/directory"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type countingSource struct {
	calls    int
	verified map[string]bool
	err      error
}

func (s *countingSource) IsVerified(_ context.Context, id string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.verified[id], nil
}

func (s *countingSource) PayoutRecipient(_ context.Context, id string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "recp_" + id, nil
}

func TestCached_ServesRepeatLookupsFromCache(t *testing.T) {
	src := &countingSource{verified: map[string]bool{"P1": true}}
	d := directory.NewCached(src, 8, time.Minute, observability.NewLogger("error"))

	for i := 0; i < 3; i++ {
		ok, err := d.IsVerified(context.Background(), "P1")
		if err != nil || !ok {
			t.Fatalf("expected verified provider, got %v, %v", ok, err)
		}
	}
	ok, err := d.IsVerified(context.Background(), "P2")
	if err != nil || ok {
		t.Fatalf("expected unverified provider, got %v, %v", ok, err)
	}
	if src.calls != 2 {
		t.Errorf("expected 2 source lookups, got %d", src.calls)
	}

	d.Forget("P1")
	if _, err := d.IsVerified(context.Background(), "P1"); err != nil {
		t.Fatal(err)
	}
	if src.calls != 3 {
		t.Errorf("expected lookup after Forget, got %d calls", src.calls)
	}
}

func TestCached_DoesNotCacheFailures(t *testing.T) {
	boom := errors.New("mongo unavailable")
	src := &countingSource{err: boom}
	d := directory.NewCached(src, 8, time.Minute, observability.NewLogger("error"))

	if _, err := d.IsVerified(context.Background(), "P1"); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	src.err = nil
	src.verified = map[string]bool{"P1": true}
	ok, err := d.IsVerified(context.Background(), "P1")
	if err != nil || !ok {
		t.Fatalf("expected fresh lookup to succeed, got %v, %v", ok, err)
	}
}

func TestCached_EntriesExpire(t *testing.T) {
	src := &countingSource{verified: map[string]bool{"P1": true}}
	d := directory.NewCached(src, 8, 20*time.Millisecond, observability.NewLogger("error"))

	if _, err := d.IsVerified(context.Background(), "P1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := d.IsVerified(context.Background(), "P1"); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("expected expired entry to be looked up again, got %d calls", src.calls)
	}
}

func TestCached_PayoutRecipientIsNotCached(t *testing.T) {
	src := &countingSource{}
	d := directory.NewCached(src, 8, time.Minute, observability.NewLogger("error"))

	for i := 0; i < 2; i++ {
		r, err := d.PayoutRecipient(context.Background(), "P1")
		if err != nil || r != "recp_P1" {
			t.Fatalf("expected recp_P1, got %q, %v", r, err)
		}
	}
	if src.calls != 2 {
		t.Errorf("expected every recipient lookup to reach the source, got %d calls", src.calls)
	}
}
