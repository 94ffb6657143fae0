package app

import (
	"errors"
	"fmt"
	"time"

	"cube/pkg/events"
	"cube/pkg/identity"
	"cube/pkg/notify"
	"cube/pkg/store"
)

const (
	defaultHoldDuration      = 72 * time.Hour
	defaultSideEffectTimeout = 5 * time.Second
)

// Config holds runtime configuration for the listing application.
type Config struct {
	DatabaseURL  string
	Store        store.Store
	Notifier     notify.Notifier
	Events       events.Publisher
	Identity     identity.Resolver
	HoldDuration time.Duration
	// SideEffectTimeout bounds notification and event delivery after a transition.
	SideEffectTimeout time.Duration
	Now               func() time.Time
}

// App is the listing lifecycle service.
type App struct {
	store             store.Store
	notifier          notify.Notifier
	events            events.Publisher
	identity          identity.Resolver
	holdDuration      time.Duration
	sideEffectTimeout time.Duration
	now               func() time.Time
}

// New constructs the application. Collaborators left nil fall back to a
// Postgres store built from DatabaseURL, no-op notification and events, and
// an identity resolver that only knows locally registered users.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	a := &App{
		store:             dataStore,
		notifier:          cfg.Notifier,
		events:            cfg.Events,
		identity:          cfg.Identity,
		holdDuration:      cfg.HoldDuration,
		sideEffectTimeout: cfg.SideEffectTimeout,
		now:               cfg.Now,
	}
	if a.notifier == nil {
		a.notifier = notify.Nop{}
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	if a.identity == nil {
		a.identity = identity.NewImportingResolver(dataStore, nil)
	}
	if a.holdDuration <= 0 {
		a.holdDuration = defaultHoldDuration
	}
	if a.sideEffectTimeout <= 0 {
		a.sideEffectTimeout = defaultSideEffectTimeout
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// HoldDuration is how long a hold lasts before the sweeper releases it.
func (a *App) HoldDuration() time.Duration {
	return a.holdDuration
}
