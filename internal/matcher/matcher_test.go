package matcher

import (
	"testing"

	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/opaque"
)

func offers(t *testing.T, b *opaque.Clear, pairs ...[2]int64) []models.Offer {
	t.Helper()
	out := make([]models.Offer, 0, len(pairs))
	for _, p := range pairs {
		fare, err := b.FromPlaintext(p[0])
		if err != nil {
			t.Fatal(err)
		}
		eta, err := b.FromPlaintext(p[1])
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, models.Offer{Fare: fare, ETA: eta})
	}
	return out
}

func reveal(t *testing.T, b *opaque.Clear, ct models.Ciphertext) int64 {
	t.Helper()
	v, err := b.Reveal(ct)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestChooseLowestFareKeepsEarliestOnTie(t *testing.T) {
	b, err := opaque.NewClear()
	if err != nil {
		t.Fatal(err)
	}
	s := &Service{Backend: b}
	best, err := s.Cheapest(offers(t, b, [2]int64{4500, 600}, [2]int64{4000, 900}, [2]int64{4000, 100}))
	if err != nil {
		t.Fatal(err)
	}
	if got := reveal(t, b, best.Index); got != 1 {
		t.Fatalf("expected offer 1, got %d", got)
	}
	if got := reveal(t, b, best.Fare); got != 4000 {
		t.Fatalf("expected fare 4000, got %d", got)
	}
}

func TestETAWeightChangesRanking(t *testing.T) {
	b, err := opaque.NewClear()
	if err != nil {
		t.Fatal(err)
	}
	s := &Service{Backend: b, ETAWeight: 2}
	// costs: 4500+1200=5700, 4000+1800=5800
	best, err := s.Cheapest(offers(t, b, [2]int64{4500, 600}, [2]int64{4000, 900}))
	if err != nil {
		t.Fatal(err)
	}
	if got := reveal(t, b, best.Index); got != 0 {
		t.Fatalf("expected offer 0, got %d", got)
	}
	if got := reveal(t, b, best.Cost); got != 5700 {
		t.Fatalf("expected cost 5700, got %d", got)
	}
}

func TestNoOffers(t *testing.T) {
	b, err := opaque.NewClear()
	if err != nil {
		t.Fatal(err)
	}
	s := &Service{Backend: b}
	if _, err := s.Cheapest(nil); err != ErrNoOffers {
		t.Fatalf("expected ErrNoOffers, got %v", err)
	}
}
