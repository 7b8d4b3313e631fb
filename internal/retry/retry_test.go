package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fixedRand struct{ f float64 }

func (r fixedRand) Intn(n int) int    { return 0 }
func (r fixedRand) Float64() float64  { return r.f }

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.WithDefaults()
	if p != DefaultPolicy {
		t.Fatalf("WithDefaults() = %+v, want %+v", p, DefaultPolicy)
	}

	custom := Policy{Limit: 5}.WithDefaults()
	if custom.Limit != 5 || custom.BaseDelay != DefaultPolicy.BaseDelay || custom.MaxDelay != DefaultPolicy.MaxDelay {
		t.Fatalf("WithDefaults() did not preserve explicit Limit: %+v", custom)
	}
}

// TestBackoff_ExponentialGrowthCappedAtMax: delays double per attempt and clamp at
// MaxDelay.
func TestBackoff_ExponentialGrowthCappedAtMax(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	rnd := fixedRand{f: 0} // no jitter, isolates the exponential term

	d1 := p.Backoff(1, rnd)
	d2 := p.Backoff(2, rnd)
	d3 := p.Backoff(3, rnd)
	d4 := p.Backoff(10, rnd)

	if d1 != time.Second {
		t.Fatalf("Backoff(1) = %v, want 1s", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("Backoff(2) = %v, want 2s", d2)
	}
	if d3 != 4*time.Second {
		t.Fatalf("Backoff(3) = %v, want capped at 4s", d3)
	}
	if d4 != 4*time.Second {
		t.Fatalf("Backoff(10) = %v, want capped at 4s", d4)
	}
}

func TestBackoff_JitterAddsWithinBound(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	d := p.Backoff(1, fixedRand{f: 1}) // max jitter: raw*0.25
	want := time.Duration(float64(time.Second) * 1.25)
	if d != want {
		t.Fatalf("Backoff with max jitter = %v, want %v", d, want)
	}
}

func TestTracker_RecordAndQuery(t *testing.T) {
	tr := NewTracker()
	tr.Record(Pair{AccountID: "a1", ProxyID: "p1"})
	tr.Record(Pair{AccountID: "a2", ProxyID: ""})

	accts := tr.TriedAccountIDs()
	if !accts["a1"] || !accts["a2"] {
		t.Fatalf("TriedAccountIDs = %v, missing a1/a2", accts)
	}

	proxies := tr.TriedProxyIDs()
	if !proxies["p1"] || len(proxies) != 1 {
		t.Fatalf("TriedProxyIDs = %v, want only p1 (empty ProxyID excluded)", proxies)
	}
}

// TestTracker_ExhaustedPairs: the failover rotation walks the full Cartesian product
// of (account, proxy) pairs, never repeating one while any remains.
func TestTracker_ExhaustedPairs(t *testing.T) {
	tr := NewTracker()
	if !tr.ExhaustedPairs(0, 2) {
		t.Fatal("zero accounts must always report exhausted")
	}
	if tr.ExhaustedPairs(2, 2) {
		t.Fatal("empty tracker with 2x2 pairs should not be exhausted")
	}

	tr.Record(Pair{AccountID: "a1", ProxyID: "p1"})
	tr.Record(Pair{AccountID: "a1", ProxyID: "p2"})
	tr.Record(Pair{AccountID: "a2", ProxyID: "p1"})
	if tr.ExhaustedPairs(2, 2) {
		t.Fatal("3 of 4 pairs tried should not yet be exhausted")
	}

	tr.Record(Pair{AccountID: "a2", ProxyID: "p2"})
	if !tr.ExhaustedPairs(2, 2) {
		t.Fatal("all 4 pairs tried should be exhausted")
	}
}

// TestTracker_TriedProxiesFor: the per-account proxy exclusion only contains proxies
// tried with that account, so a single account rotates through every proxy before
// its pairings run out.
func TestTracker_TriedProxiesFor(t *testing.T) {
	tr := NewTracker()
	tr.Record(Pair{AccountID: "a1", ProxyID: "p1"})
	tr.Record(Pair{AccountID: "a2", ProxyID: "p2"})

	got := tr.TriedProxiesFor("a1")
	if !got["p1"] || got["p2"] || len(got) != 1 {
		t.Fatalf("TriedProxiesFor(a1) = %v, want only p1", got)
	}
	if len(tr.TriedProxiesFor("a3")) != 0 {
		t.Fatal("untried account must have no excluded proxies")
	}
}

func TestTracker_AccountExhausted(t *testing.T) {
	tr := NewTracker()
	proxies := []string{"p1", "p2"}

	if tr.AccountExhausted("a1", proxies) {
		t.Fatal("untried account must not be exhausted")
	}

	tr.Record(Pair{AccountID: "a1", ProxyID: "p1"})
	if tr.AccountExhausted("a1", proxies) {
		t.Fatal("one of two proxies tried must not exhaust the account")
	}

	tr.Record(Pair{AccountID: "a1", ProxyID: "p2"})
	if !tr.AccountExhausted("a1", proxies) {
		t.Fatal("every proxy tried must exhaust the account")
	}
}

func TestTracker_AccountExhaustedWithoutProxies(t *testing.T) {
	tr := NewTracker()
	if tr.AccountExhausted("a1", nil) {
		t.Fatal("untried account must not be exhausted")
	}
	tr.Record(Pair{AccountID: "a1"})
	if !tr.AccountExhausted("a1", nil) {
		t.Fatal("with no proxy dimension, one attempt exhausts the account")
	}
}

func TestTracker_ExhaustedPairsWithoutProxies(t *testing.T) {
	tr := NewTracker()
	tr.Record(Pair{AccountID: "a1"})
	if tr.ExhaustedPairs(2, 0) {
		t.Fatal("1 of 2 accounts tried (no proxies in play) should not be exhausted")
	}
	tr.Record(Pair{AccountID: "a2"})
	if !tr.ExhaustedPairs(2, 0) {
		t.Fatal("2 of 2 accounts tried should be exhausted")
	}
}

type recordingStore struct {
	stores.CampaignStore
	recorded []models.DeadLetterRecord
}

func (r *recordingStore) AppendDeadLetter(_ context.Context, d models.DeadLetterRecord) error {
	r.recorded = append(r.recorded, d)
	return nil
}

func TestRecorder_Record(t *testing.T) {
	store := &recordingStore{}
	rec := NewRecorder(store, fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})

	attempts := []models.SendAttempt{
		{AccountID: "a1", ProxyID: "p1", Outcome: models.OutcomeRetried, ErrorText: "timeout"},
		{AccountID: "a2", ProxyID: "p2", Outcome: models.OutcomeFailed, ErrorText: "refused"},
	}
	err := rec.Record(context.Background(), "camp-1", "r1@example.com", attempts, errors.New("retries exhausted"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(store.recorded) != 1 {
		t.Fatalf("expected 1 dead letter recorded, got %d", len(store.recorded))
	}
	got := store.recorded[0]
	if got.CampaignID != "camp-1" || got.RecipientEmail != "r1@example.com" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Attempts) != 2 {
		t.Fatalf("Attempts len = %d, want 2", len(got.Attempts))
	}
	if got.FinalError != "retries exhausted" {
		t.Fatalf("FinalError = %q", got.FinalError)
	}
}
