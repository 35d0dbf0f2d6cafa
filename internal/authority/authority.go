// Package authority holds the fixed set of principals allowed to halt
// the gateway. The set has no mutators; it is built once at startup.
package authority

import (
	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/models"
)

// Emitter receives PauserAdded events at construction.
type Emitter interface {
	Emit(ev models.Event)
}

type Set struct {
	ordered []models.Principal
	index   map[models.Principal]struct{}
}

// New validates ids and builds the set. It emits one PauserAdded per
// entry, in order, through emit when emit is non-nil.
func New(ids []models.Principal, emit Emitter) (*Set, error) {
	if len(ids) == 0 {
		return nil, apperr.ErrEmptyAuthorityList
	}
	s := &Set{
		ordered: make([]models.Principal, 0, len(ids)),
		index:   make(map[models.Principal]struct{}, len(ids)),
	}
	for i, id := range ids {
		if id.IsZero() {
			return nil, errors.Wrapf(apperr.ErrNullPrincipal, "authority %d", i)
		}
		if _, dup := s.index[id]; dup {
			return nil, errors.Wrapf(apperr.ErrDuplicatePrincipal, "authority %s", id)
		}
		s.index[id] = struct{}{}
		s.ordered = append(s.ordered, id)
	}
	if emit != nil {
		for _, id := range s.ordered {
			emit.Emit(models.Event{Kind: models.EventPauserAdded, Principal: id})
		}
	}
	return s, nil
}

func (s *Set) IsAuthority(p models.Principal) bool {
	if p.IsZero() {
		return false
	}
	_, ok := s.index[p]
	return ok
}

func (s *Set) Count() int { return len(s.ordered) }

func (s *Set) At(i int) (models.Principal, error) {
	if i < 0 || i >= len(s.ordered) {
		return "", apperr.ErrIndexOutOfBounds
	}
	return s.ordered[i], nil
}

// All returns a copy of the members in construction order.
func (s *Set) All() []models.Principal {
	out := make([]models.Principal, len(s.ordered))
	copy(out, s.ordered)
	return out
}
