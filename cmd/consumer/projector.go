package main

import (
	"context"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/private-dispatch/internal/models"
)

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HIncrBy(ctx context.Context, key, field string, n int64) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) HIncrBy(ctx context.Context, key, field string, n int64) error {
	_, err := r.c.HIncrBy(ctx, key, field, n).Result()
	return err
}

// write is one read-model update derived from an event.
type write struct {
	key    string
	values map[string]interface{}
	field  string
	incr   int64
}

func (w write) apply(ctx context.Context, rc RedisUpdater) error {
	if w.incr != 0 {
		return rc.HIncrBy(ctx, w.key, w.field, w.incr)
	}
	return rc.HSet(ctx, w.key, w.values)
}

func driverKey(p models.Principal) string { return "dispatch:driver:" + p.String() }
func rideKey(id uint64) string            { return "dispatch:ride:" + strconv.FormatUint(id, 10) }

const gatewayKey = "dispatch:gateway"

// project maps an event onto read-model writes. Only plaintext
// identities, flags and counters reach the read model.
func project(ev models.Event) []write {
	at := ev.Time.UTC().Format(time.RFC3339Nano)
	var out []write
	switch ev.Kind {
	case models.EventDriverRegistered:
		out = append(out, write{key: driverKey(ev.Driver), values: map[string]interface{}{"registered": 1, "available": 0, "registered_at": at}})
	case models.EventAvailabilityChanged:
		v := 0
		if ev.Available != nil && *ev.Available {
			v = 1
		}
		out = append(out, write{key: driverKey(ev.Driver), values: map[string]interface{}{"available": v}})
	case models.EventLocationUpdated:
		out = append(out, write{key: driverKey(ev.Driver), values: map[string]interface{}{"location_at": at}})
	case models.EventRideRequested:
		out = append(out, write{key: rideKey(ev.RequestID), values: map[string]interface{}{"passenger": ev.Passenger.String(), "state": string(models.RideOpen), "requested_at": at}})
	case models.EventOfferSubmitted:
		out = append(out, write{key: rideKey(ev.RequestID), field: "offers", incr: 1})
	case models.EventRideMatched:
		out = append(out,
			write{key: rideKey(ev.RequestID), values: map[string]interface{}{"state": string(models.RideAssigned), "driver": ev.Driver.String()}},
			write{key: driverKey(ev.Driver), values: map[string]interface{}{"available": 0}},
		)
	case models.EventRideCompleted:
		out = append(out,
			write{key: rideKey(ev.RequestID), values: map[string]interface{}{"state": string(models.RideCompleted)}},
			write{key: driverKey(ev.Driver), values: map[string]interface{}{"available": 1}},
			write{key: driverKey(ev.Driver), field: "total_rides", incr: 1},
		)
	case models.EventRideCancelled:
		out = append(out, write{key: rideKey(ev.RequestID), values: map[string]interface{}{"state": string(models.RideCancelled)}})
	case models.EventHalted:
		out = append(out, write{key: gatewayKey, values: map[string]interface{}{"halted": 1, "halted_by": ev.Caller.String()}})
	case models.EventResumed:
		out = append(out, write{key: gatewayKey, values: map[string]interface{}{"halted": 0}})
	case models.EventPauserAdded:
		out = append(out, write{key: gatewayKey, field: "pausers", incr: 1})
	case models.EventBrokerSet:
		out = append(out, write{key: gatewayKey, values: map[string]interface{}{"broker": ev.Principal.String()}})
	}
	out = append(out, write{key: gatewayKey, values: map[string]interface{}{"last_seq": ev.Seq}})
	return out
}

// updateRedisWithRetry applies every write for ev with retry/backoff.
// Writes that already succeeded are not repeated.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, ev models.Event, attempts int, delay time.Duration) error {
	writes := project(ev)
	var err error
	for i := 0; i < attempts; i++ {
		for len(writes) > 0 {
			if err = writes[0].apply(ctx, rc); err != nil {
				break
			}
			writes = writes[1:]
		}
		if len(writes) == 0 {
			return nil
		}
		if i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// seenSet remembers recently projected sequence numbers so Kafka
// redeliveries do not double-count. Admission is best-effort.
type seenSet struct {
	cache *ristretto.Cache[uint64, struct{}]
}

func newSeenSet(capacity int64) (*seenSet, error) {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, struct{}]{
		NumCounters:        capacity * 10,
		MaxCost:            capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &seenSet{cache: c}, nil
}

func (s *seenSet) Seen(seq uint64) bool {
	_, ok := s.cache.Get(seq)
	return ok
}

func (s *seenSet) Mark(seq uint64) {
	s.cache.Set(seq, struct{}{}, 1)
	s.cache.Wait()
}

func (s *seenSet) Close() { s.cache.Close() }
