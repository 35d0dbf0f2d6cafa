package main

import (
	"context"
	"log/slog"
	"slices"

	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/authority"
	"github.com/example/private-dispatch/internal/config"
	"github.com/example/private-dispatch/internal/dispatch"
	"github.com/example/private-dispatch/internal/gateway"
	"github.com/example/private-dispatch/internal/ledger"
	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/opaque"
	"github.com/example/private-dispatch/internal/relay"
	"github.com/example/private-dispatch/internal/storage"
)

// core is the ledger with the gateway and engine running on it.
type core struct {
	ledger  *ledger.Ledger
	gateway *gateway.Gateway
	engine  *dispatch.Engine
}

// openCore replays the journal into a fresh ledger and brings the
// gateway and engine up on top of it. A first boot records the
// authority set; later boots check it against the journal instead.
func openCore(ctx context.Context, cfg config.ServerConfig, store storage.EventStore, backend opaque.Backend, rel relay.Relay, logger *slog.Logger, opts ...ledger.Option) (*core, error) {
	history, err := store.Load(ctx, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "load journal")
	}

	opts = append(opts, ledger.WithJournal(store), ledger.WithLogger(logger))
	if cfg.PublishTimeout > 0 {
		opts = append(opts, ledger.WithPublishTimeout(cfg.PublishTimeout))
	}
	l := ledger.New(opts...)
	if err := l.Restore(history); err != nil {
		l.Close()
		return nil, err
	}

	set, err := bootstrapAuthorities(ctx, l, history, cfg.Authorities)
	if err != nil {
		l.Close()
		return nil, err
	}

	gw, err := gateway.New(set, cfg.KeyAuthority, cfg.Owner, l, rel, logger)
	if err != nil {
		l.Close()
		return nil, err
	}
	gw.Restore(history)
	if !cfg.DisclosureBroker.IsZero() && gw.Broker() != cfg.DisclosureBroker {
		if err := gw.SetDisclosureBroker(ctx, cfg.Owner, cfg.DisclosureBroker); err != nil {
			l.Close()
			return nil, err
		}
	}

	engine := dispatch.New(l, gw, backend,
		dispatch.WithMaxOffers(cfg.MaxOffers),
		dispatch.WithETAWeight(cfg.ETAWeight),
		dispatch.WithLogger(logger),
	)
	if err := engine.Restore(history); err != nil {
		l.Close()
		return nil, err
	}
	if len(history) > 0 {
		logger.Info("journal replayed", "events", len(history), "seq", l.Seq())
	}
	return &core{ledger: l, gateway: gw, engine: engine}, nil
}

// bootstrapAuthorities builds the authority set. With an empty journal
// the set is recorded as the first operation so its PauserAdded events
// lead the log. Otherwise the journaled set must match ids.
func bootstrapAuthorities(ctx context.Context, l *ledger.Ledger, history []models.Event, ids []models.Principal) (*authority.Set, error) {
	var recorded []models.Principal
	for _, ev := range history {
		if ev.Kind == models.EventPauserAdded {
			recorded = append(recorded, ev.Principal)
		}
	}
	if len(recorded) > 0 {
		if !slices.Equal(recorded, ids) {
			return nil, errors.Errorf("configured authorities %v differ from journaled set %v", ids, recorded)
		}
		return authority.New(ids, nil)
	}

	var set *authority.Set
	err := l.Submit(ctx, "bootstrap", func(tx *ledger.Tx) error {
		s, err := authority.New(ids, tx)
		set = s
		return err
	})
	return set, err
}
