// Package beamsync keeps beamline experiment metadata synchronized with a
// shared remote store and forwards acquisition documents to a message bus.
//
// Example usage:
//
//	cfg := beamsync.DefaultConfig()
//	cfg.Beamline = "csx"
//	cfg.StoreURL = "https://info.csx.example.org"
//	cfg.BrokerURL = "https://broker.example.org"
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	agent, err := beamsync.NewAgent(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.Subscribe(agent.Subscriber().Callback())
//	if err := agent.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package beamsync

import (
	"context"

	"github.com/nsls2-tools/beamsync/internal/adapters/log"
	"github.com/nsls2-tools/beamsync/internal/app"
	"github.com/nsls2-tools/beamsync/internal/cliconfig"
)

// Config holds the configuration for the beamsync agent.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = cliconfig.Config

// Agent owns the wired components for one beamline namespace: the metadata
// cache, the event publisher, the document subscriber, and the experiment
// switcher.
type Agent = app.Agent

// DefaultConfig returns a Config with sensible default values.
// At minimum, you must set Beamline, StoreURL, and BrokerURL.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

// NewAgent builds an agent with console logging.
func NewAgent(cfg Config) (*Agent, error) {
	return app.New(cfg, log.NewZerologAdapter())
}

// Run builds an agent and blocks running it until the context is cancelled
// or an unrecoverable error occurs.
func Run(ctx context.Context, cfg Config) error {
	agent, err := NewAgent(cfg)
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}
