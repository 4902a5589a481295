// Package app wires the beamsync components together and runs the
// forwarding agent.
package app

import (
	"context"
	"net/http"
	"time"

	adapterhttp "github.com/nsls2-tools/beamsync/internal/adapters/http"
	"github.com/nsls2-tools/beamsync/internal/cache"
	"github.com/nsls2-tools/beamsync/internal/cliconfig"
	"github.com/nsls2-tools/beamsync/internal/domain"
	"github.com/nsls2-tools/beamsync/internal/ports"
	"github.com/nsls2-tools/beamsync/internal/publish"
	"github.com/nsls2-tools/beamsync/internal/subscribe"
	"github.com/nsls2-tools/beamsync/internal/switcher"
)

// ShutdownFlushTimeout bounds the final queue drain on agent shutdown.
const ShutdownFlushTimeout = 30 * time.Second

// Agent owns the wired beamsync components for one beamline namespace.
type Agent struct {
	config     cliconfig.Config
	cache      *cache.Cache
	publisher  *publish.Publisher
	subscriber *subscribe.Subscriber
	switcher   *switcher.Switcher
	updates    ports.UpdateListener
	logger     ports.Logger
}

// New builds an agent from configuration, constructing the HTTP adapters
// for the store, broker, and facility API.
func New(cfg cliconfig.Config, logger ports.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	store := adapterhttp.NewStoreClient(httpClient, cfg.StoreURL, cfg.AuthKey, logger)
	facility := adapterhttp.NewFacilityClient(httpClient, cfg.FacilityURL)
	bus := adapterhttp.NewBusTransport(httpClient, cfg.BrokerURL, cfg.AuthKey)

	md := cache.New(cfg.Namespace(), domain.DefaultSchema(), store, logger,
		cache.WithNotifier(store),
		cache.WithCallTimeout(cfg.HTTPTimeout),
	)

	pubCfg := publish.Config{
		Topic:          publish.TopicFor(cfg.Beamline),
		QueueCapacity:  cfg.QueueCapacity,
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		AttemptTimeout: cfg.HTTPTimeout,
	}
	publisher := publish.New(pubCfg, bus, logger)
	subscriber := subscribe.New(publisher, logger,
		subscribe.WithStopFlushTimeout(cfg.StopFlushTimeout),
	)
	sw := switcher.New(cfg.Beamline, md, facility, facility, logger)

	return &Agent{
		config:     cfg,
		cache:      md,
		publisher:  publisher,
		subscriber: subscriber,
		switcher:   sw,
		updates:    store,
		logger:     logger,
	}, nil
}

// Cache returns the namespace metadata cache.
func (a *Agent) Cache() *cache.Cache { return a.cache }

// Publisher returns the event publisher.
func (a *Agent) Publisher() *publish.Publisher { return a.publisher }

// Subscriber returns the document subscriber for engine registration.
func (a *Agent) Subscriber() *subscribe.Subscriber { return a.subscriber }

// Switcher returns the experiment switcher.
func (a *Agent) Switcher() *switcher.Switcher { return a.switcher }

// Run executes the delivery loop and drains failure receipts until ctx is
// canceled, then flushes what it can before returning.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		ports.String("namespace", a.config.Namespace()),
		ports.String("topic", publish.TopicFor(a.config.Beamline)),
	)

	go a.drainReceipts(ctx)
	go a.listenUpdates(ctx)

	err := a.publisher.Run(ctx)

	// Final drain on a fresh bounded context: the run context is already
	// canceled but queued documents still deserve a delivery attempt.
	a.publisher.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), ShutdownFlushTimeout)
	defer cancel()
	if remaining := a.publisher.Drain(drainCtx); remaining > 0 {
		a.logger.Error("shutting down with undelivered documents",
			ports.Int("undelivered", remaining),
		)
	}
	return err
}

// listenUpdates pumps the namespace update channel into the cache so
// writes by other processes sharing the store invalidate our local view.
func (a *Agent) listenUpdates(ctx context.Context) {
	err := a.updates.Listen(ctx, a.cache.Channel(), func(message string) {
		if err := a.cache.HandleUpdate(message); err != nil {
			a.logger.Warn("dropping malformed update message", ports.Err(err))
		}
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Error("update listener stopped", ports.Err(err))
	}
}

// drainReceipts logs every terminal failure so no publish outcome vanishes
// unreported.
func (a *Agent) drainReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.publisher.Receipts():
			a.logger.Error("document dead-lettered",
				ports.String("run", r.Document.RunUID),
				ports.String("kind", string(r.Document.Kind)),
				ports.Int("attempts", r.Attempt),
				ports.Err(r.Err),
			)
		}
	}
}
