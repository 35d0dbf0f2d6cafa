package matcher

import (
	"errors"

	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/opaque"
)

var ErrNoOffers = errors.New("matcher: no offers")

// Service ranks offers without decrypting them. Every comparison and
// choice happens inside the backend; the result is opaque too.
type Service struct {
	Backend opaque.Backend
	// ETAWeight adds weight*eta to each fare before ranking. Zero ranks
	// on fare alone.
	ETAWeight int64
}

// Best is the opaque outcome of a ranking.
type Best struct {
	Index models.Ciphertext
	Fare  models.Ciphertext
	Cost  models.Ciphertext
}

// Cheapest returns the offer with the lowest cost. Ties keep the
// earliest offer.
func (s *Service) Cheapest(offers []models.Offer) (Best, error) {
	if len(offers) == 0 {
		return Best{}, ErrNoOffers
	}
	var weight models.Ciphertext
	if s.ETAWeight > 0 {
		w, err := s.Backend.FromPlaintext(s.ETAWeight)
		if err != nil {
			return Best{}, err
		}
		weight = w
	}

	var best Best
	for i, o := range offers {
		cost, err := s.cost(o, weight)
		if err != nil {
			return Best{}, err
		}
		idx, err := s.Backend.FromPlaintext(int64(i))
		if err != nil {
			return Best{}, err
		}
		if i == 0 {
			best = Best{Index: idx, Fare: o.Fare, Cost: cost}
			continue
		}
		cheaper, err := s.Backend.GT(best.Cost, cost)
		if err != nil {
			return Best{}, err
		}
		if best.Cost, err = s.Backend.Select(cheaper, cost, best.Cost); err != nil {
			return Best{}, err
		}
		if best.Fare, err = s.Backend.Select(cheaper, o.Fare, best.Fare); err != nil {
			return Best{}, err
		}
		if best.Index, err = s.Backend.Select(cheaper, idx, best.Index); err != nil {
			return Best{}, err
		}
	}
	return best, nil
}

func (s *Service) cost(o models.Offer, weight models.Ciphertext) (models.Ciphertext, error) {
	if weight.Empty() {
		return o.Fare, nil
	}
	penalty, err := s.Backend.Mul(o.ETA, weight)
	if err != nil {
		return nil, err
	}
	return s.Backend.Add(o.Fare, penalty)
}
