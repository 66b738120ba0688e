// Package coordinator wires the store, event buses, and background monitors
// into a running process and owns their lifecycles. The HTTP boundary lives
// in the api package; everything here is transport-agnostic.
package coordinator

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/edgemesh/edgemesh/state"
	"github.com/edgemesh/edgemesh/stream"
	"github.com/edgemesh/edgemesh/structs"
)

// Coordinator is the process-wide container: one store, two event buses, the
// heartbeat metrics history, and the background monitors. It is initialized
// before traffic is accepted and torn down on shutdown.
type Coordinator struct {
	Config *Config
	Logger hclog.Logger
	Store  *state.Store

	NodeEvents *stream.Bus[*structs.NodeUpdateEvent]
	JobEvents  *stream.Bus[*structs.JobUpdateEvent]
	History    *MetricsHistory

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the store (applying migrations) and builds an idle coordinator.
// Call Start to launch the monitors.
func New(cfg *Config) (*Coordinator, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "edgemesh",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	store, err := state.Open(cfg.DBURL, logger)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		NodeEvents: stream.NewBus[*structs.NodeUpdateEvent](),
		JobEvents:  stream.NewBus[*structs.JobUpdateEvent](),
		History:    NewMetricsHistory(defaultHistoryDepth),
	}, nil
}

// Start launches the liveness and lease-recovery monitors. They stop when
// ctx is cancelled or Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runLivenessMonitor(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runRecoveryMonitor(ctx)
	}()
}

// Shutdown stops the monitors, waits for them, and closes the store.
func (c *Coordinator) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.Store.Close()
}

// PublishJobUpdate pushes the job's current state onto the job bus.
func (c *Coordinator) PublishJobUpdate(job *structs.Job) {
	if job == nil {
		return
	}
	c.JobEvents.Publish(job.UpdateEvent())
}

// PublishNodeUpdate pushes a node's current state onto the node bus.
func (c *Coordinator) PublishNodeUpdate(node *structs.Node) {
	if node == nil {
		return
	}
	c.NodeEvents.Publish(&structs.NodeUpdateEvent{
		NodeID:    node.Identity.NodeID,
		Status:    node.Status,
		Metrics:   node.Metrics,
		UpdatedAt: node.UpdatedAt,
	})
}
