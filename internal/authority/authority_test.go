package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/models"
)

type eventSink []models.Event

func (s *eventSink) Emit(ev models.Event) { *s = append(*s, ev) }

func TestNewValidates(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, apperr.ErrEmptyAuthorityList)

	_, err = New([]models.Principal{"0xa1", ""}, nil)
	assert.ErrorIs(t, err, apperr.ErrNullPrincipal)

	_, err = New([]models.Principal{"0x0000000000000000000000000000000000000000"}, nil)
	assert.ErrorIs(t, err, apperr.ErrNullPrincipal)

	_, err = New([]models.Principal{"0xa1", "0xa2", "0xa1"}, nil)
	assert.ErrorIs(t, err, apperr.ErrDuplicatePrincipal)
}

func TestNewEmitsPauserAddedInOrder(t *testing.T) {
	var sink eventSink
	s, err := New([]models.Principal{"0xa1", "0xa2"}, &sink)
	require.NoError(t, err)
	require.Len(t, sink, 2)
	assert.Equal(t, models.EventPauserAdded, sink[0].Kind)
	assert.Equal(t, models.Principal("0xa1"), sink[0].Principal)
	assert.Equal(t, models.Principal("0xa2"), sink[1].Principal)
	assert.Equal(t, 2, s.Count())
}

func TestFailedConstructionEmitsNothing(t *testing.T) {
	var sink eventSink
	_, err := New([]models.Principal{"0xa1", "0xa1"}, &sink)
	require.Error(t, err)
	assert.Empty(t, sink)
}

func TestMembershipAndIndexing(t *testing.T) {
	s, err := New([]models.Principal{"0xa1", "0xa2"}, nil)
	require.NoError(t, err)

	assert.True(t, s.IsAuthority("0xa1"))
	assert.False(t, s.IsAuthority("0xowner"))
	assert.False(t, s.IsAuthority(""))

	p, err := s.At(s.Count() - 1)
	require.NoError(t, err)
	assert.Equal(t, models.Principal("0xa2"), p)

	_, err = s.At(s.Count())
	assert.ErrorIs(t, err, apperr.ErrIndexOutOfBounds)
	_, err = s.At(-1)
	assert.ErrorIs(t, err, apperr.ErrIndexOutOfBounds)
}

func TestAllReturnsCopy(t *testing.T) {
	s, err := New([]models.Principal{"0xa1"}, nil)
	require.NoError(t, err)
	all := s.All()
	all[0] = "0xevil"
	assert.True(t, s.IsAuthority("0xa1"))
	assert.False(t, s.IsAuthority("0xevil"))
}
