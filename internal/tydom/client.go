package tydom

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tydom-go/internal/store"
)

// defaultPollTargets are the data URLs the poll scheduler re-sends.
var defaultPollTargets = []string{"/devices/data", "/areas/data"}

// Client assembles catalog, decoder, pipeline, executor and orchestrator
// into one gateway client. A Client survives connect cycles; Run performs
// one cycle and returns when the stream ends.
type Client struct {
	cfg    Config
	logger *slog.Logger

	catalog  *Catalog
	events   *EventBus
	executor *Executor
	pipeline *Pipeline
	orch     *Orchestrator

	tx     atomic.Uint64
	active atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once

	mu   sync.Mutex
	conn GatewayConn
}

// NewClient builds a client. st may be nil for a purely in-memory catalog
// and no orchestration (then Run always returns an error).
func NewClient(cfg Config, st store.Store, discoverer Discoverer, cloud *CloudClient, logger *slog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger}
	c.tx.Store(uint64(time.Now().UnixMilli()))
	c.active.Store(true)

	var err error
	if st != nil {
		c.catalog, err = NewPersistentCatalog(st, logger)
		if err != nil {
			return nil, err
		}
	} else {
		c.catalog = NewCatalog(logger)
	}

	c.events = NewEventBus(logger)
	decoder := NewDecoder(c.catalog, defaultPollTargets, cfg.Polling.Interval, logger)
	c.executor = NewExecutor(c.sendCurrent, c.NextTx, cfg.Polling, c.active.Load, logger)
	c.pipeline = NewPipeline(decoder, c.catalog, c.executor, c.events, logger)

	if st != nil {
		c.orch = NewOrchestrator(cfg, st, discoverer, cloud, logger)
	}
	return c, nil
}

// NextTx allocates the next transaction id: monotonic numeric strings,
// seeded from the wall clock so ids stay unique across restarts.
func (c *Client) NextTx() string {
	return strconv.FormatUint(c.tx.Add(1), 10)
}

// Events returns the decoded-message bus.
func (c *Client) Events() *EventBus { return c.events }

// Messages returns the decoded-message tap.
func (c *Client) Messages() <-chan Message { return c.pipeline.Messages() }

// Catalog returns the device catalog.
func (c *Client) Catalog() *Catalog { return c.catalog }

// SetActive flips the activity flag gating only-when-active polling.
func (c *Client) SetActive(active bool) { c.active.Store(active) }

// PongOverdue reports whether the watchdog threshold elapsed since the last
// pong.
func (c *Client) PongOverdue(threshold time.Duration) bool {
	return c.executor.PongOverdue(threshold)
}

// Run establishes a connection (honoring the override), primes the gateway
// with the standard startup requests and pumps the pipeline until the
// stream ends. It returns the connect error when no session comes up, the
// context error when ctx is cancelled, and nil when the stream ends for any
// other reason; the caller decides whether to call Run again.
func (c *Client) Run(ctx context.Context, override Override) error {
	if c.orch == nil {
		return fmt.Errorf("client built without a store cannot orchestrate")
	}
	c.startOnce.Do(c.executor.Start)

	conn, decision, err := c.orch.Establish(ctx, override)
	if err != nil {
		return err
	}
	c.logger.Info("gateway session up", "mode", decision.Mode.String(), "host", decision.Host)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.executor.Enqueue(
		SendCommands{Commands: []Command{
			GetInfo(c.NextTx()),
			GetConfigsFile(c.NextTx()),
			GetDevicesCmeta(c.NextTx()),
			GetDevicesMeta(c.NextTx()),
		}},
		Refresh{},
	)

	c.pipeline.Run(ctx, conn.Messages())

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Disconnect()
	c.logger.Info("gateway session down")
	return ctx.Err()
}

// Send transmits commands over the current connection.
func (c *Client) Send(ctx context.Context, cmds ...Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for _, cmd := range cmds {
		if err := conn.SendCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Ping sends a ping frame; the pong shows up through the watchdog.
func (c *Client) Ping(ctx context.Context) error {
	return c.Send(ctx, Ping(c.NextTx()))
}

// SetDeviceData writes one endpoint value.
func (c *Client) SetDeviceData(ctx context.Context, deviceID, endpointID int, name string, value any) error {
	return c.Send(ctx, PutDevicesData(c.NextTx(), deviceID, endpointID, name, value))
}

// SetAlarm drives the alarm panel.
func (c *Client) SetAlarm(ctx context.Context, deviceID, endpointID int, pin, value, zoneID string, legacyZones bool) error {
	return c.Send(ctx, AlarmCdata(c.NextTx(), deviceID, endpointID, pin, value, zoneID, legacyZones)...)
}

// TriggerScenario activates a scenario by id.
func (c *Client) TriggerScenario(ctx context.Context, scenarioID int) error {
	return c.Send(ctx, ActivateScenario(c.NextTx(), scenarioID))
}

// sendCurrent is the executor's transmit hook.
func (c *Client) sendCurrent(cmd Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.timeout())
	defer cancel()
	return c.Send(ctx, cmd)
}

// Disconnect tears down the current connection, ending Run.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// Close stops the effect worker. The client is unusable afterwards.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.Disconnect()
		c.executor.Stop()
	})
}
