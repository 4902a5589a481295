package beamsync_test

import (
	"fmt"

	"github.com/nsls2-tools/beamsync"
)

// ExampleNewAgent demonstrates how to embed beamsync in an acquisition
// process.
func ExampleNewAgent() {
	cfg := beamsync.DefaultConfig()
	cfg.Beamline = "CSX"
	cfg.Endstation = "opls"
	cfg.StoreURL = "https://info.csx.example.org"
	cfg.BrokerURL = "https://broker.example.org"

	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid config: %v\n", err)
		return
	}

	agent, err := beamsync.NewAgent(cfg)
	if err != nil {
		fmt.Printf("failed to create agent: %v\n", err)
		return
	}

	// Register the document callback with the acquisition engine, then run
	// the agent for the life of the process:
	//
	//	engine.Subscribe(agent.Subscriber().Callback())
	//	go agent.Run(ctx)

	fmt.Printf("namespace: %s\n", agent.Cache().Namespace())

	// Output: namespace: csx-opls
}
