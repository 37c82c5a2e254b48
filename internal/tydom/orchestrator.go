package tydom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tydom-go/internal/store"
)

// Orchestration failures.
var (
	ErrLocalUnavailable          = errors.New("gateway unreachable on the local network")
	ErrLocalAndRemoteUnavailable = errors.New("gateway unreachable locally and remotely")
)

const probeCeiling = 2 * time.Second

// Override forces a connectivity mode. ForceRemote skips the local steps of
// the orchestrator's preference ladder; ForceLocal runs them but never falls
// back to the remote relay.
type Override int

const (
	OverrideNone Override = iota
	ForceLocal
	ForceRemote
)

// Decision is one orchestration trace event.
type Decision struct {
	Mode   Mode
	Host   string
	Reason string
}

// GatewayConn is the connection surface the orchestrator establishes and
// consumers drive. *Connection implements it.
type GatewayConn interface {
	Connect(ctx context.Context) error
	SendCommand(ctx context.Context, cmd Command) error
	Messages() <-chan []byte
	Disconnect()
}

// Orchestrator decides whether to reach the gateway locally (cached IP,
// then discovery + probing) or through the cloud relay, and persists the
// winning local host for the next run.
type Orchestrator struct {
	base       Config // Host and Mode are filled in per attempt
	store      store.Store
	discoverer Discoverer
	remoteHost string
	logger     *slog.Logger

	// dial builds a connection for one attempt. Injected for tests.
	dial func(cfg Config) GatewayConn
	// onDecision observes every trace event. Optional.
	onDecision func(Decision)
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDial replaces the connection factory.
func WithDial(dial func(cfg Config) GatewayConn) OrchestratorOption {
	return func(o *Orchestrator) { o.dial = dial }
}

// WithRemoteHost overrides the cloud relay host.
func WithRemoteHost(host string) OrchestratorOption {
	return func(o *Orchestrator) { o.remoteHost = host }
}

// WithDecisionTrace registers a trace callback.
func WithDecisionTrace(fn func(Decision)) OrchestratorOption {
	return func(o *Orchestrator) { o.onDecision = fn }
}

// NewOrchestrator creates an orchestrator over the given base Config, store
// and discoverer. cloud may be nil when a direct password is configured.
func NewOrchestrator(base Config, st store.Store, discoverer Discoverer, cloud *CloudClient, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		base:       base,
		store:      st,
		discoverer: discoverer,
		remoteHost: DefaultRemoteHost,
		logger:     logger.With("component", "orchestrator"),
	}
	o.dial = func(cfg Config) GatewayConn {
		if cloud != nil {
			return NewConnection(cfg, logger, WithPasswordFetcher(cloud.FetchGatewayPassword))
		}
		return NewConnection(cfg, logger)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Establish runs the decision ladder and returns a connected GatewayConn.
func (o *Orchestrator) Establish(ctx context.Context, override Override) (GatewayConn, Decision, error) {
	creds, err := o.resolveCredentials(ctx)
	if err != nil {
		d := o.decide(ModeLocal, "", "credential resolution failed")
		return nil, d, err
	}

	if override == ForceRemote {
		return o.connectRemote(ctx, creds, "forced remote")
	}

	if creds.CachedLocalIP != "" {
		if o.probe(ctx, creds, creds.CachedLocalIP) {
			return o.connectLocal(ctx, creds, creds.CachedLocalIP, "cached ip answered probe")
		}
		o.decide(ModeLocal, creds.CachedLocalIP, "cached ip failed probe")
	}

	candidates, err := o.discoverer.Discover(ctx)
	if err != nil {
		o.logger.Warn("discovery", "err", err)
	}
	for _, cand := range candidates {
		if !o.probe(ctx, creds, cand.Host) {
			o.decide(ModeLocal, cand.Host, "candidate failed probe ("+cand.Method+")")
			continue
		}
		o.persistLocalIP(creds.MAC, cand.Host)
		return o.connectLocal(ctx, creds, cand.Host, "discovered via "+cand.Method)
	}

	if override == ForceLocal {
		d := o.decide(ModeLocal, "", "no local candidate answered; remote forbidden")
		return nil, d, ErrLocalUnavailable
	}
	return o.connectRemote(ctx, creds, "no local candidate answered")
}

func (o *Orchestrator) resolveCredentials(ctx context.Context) (*store.GatewayCredentials, error) {
	creds, err := o.store.GetCredentials(o.base.MAC)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	// First run for this gateway. A direct password seeds the store; with
	// only cloud credentials the connection fetches the password itself and
	// the store entry just anchors the cached IP.
	if o.base.Password == "" && o.base.Cloud == nil {
		return nil, ErrMissingCredentials
	}
	creds = &store.GatewayCredentials{
		MAC:       o.base.MAC,
		Password:  o.base.Password,
		UpdatedAt: time.Now(),
	}
	if err := o.store.SaveCredentials(creds); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	return creds, nil
}

// probe runs a full connect+disconnect cycle against host with a short
// timeout. The connection is always disconnected, success or not.
func (o *Orchestrator) probe(ctx context.Context, creds *store.GatewayCredentials, host string) bool {
	cfg := o.attemptConfig(creds, host, ModeLocal)
	cfg.Timeout = min(cfg.timeout(), probeCeiling)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn := o.dial(cfg)
	err := conn.Connect(probeCtx)
	conn.Disconnect()
	if err != nil {
		o.logger.Debug("probe failed", "host", host, "err", err)
		return false
	}
	return true
}

func (o *Orchestrator) connectLocal(ctx context.Context, creds *store.GatewayCredentials, host, reason string) (GatewayConn, Decision, error) {
	d := o.decide(ModeLocal, host, reason)
	conn := o.dial(o.attemptConfig(creds, host, ModeLocal))
	if err := conn.Connect(ctx); err != nil {
		conn.Disconnect()
		return nil, d, fmt.Errorf("local connect %s: %w", host, err)
	}
	return conn, d, nil
}

func (o *Orchestrator) connectRemote(ctx context.Context, creds *store.GatewayCredentials, reason string) (GatewayConn, Decision, error) {
	d := o.decide(ModeRemote, o.remoteHost, reason)
	conn := o.dial(o.attemptConfig(creds, o.remoteHost, ModeRemote))
	if err := conn.Connect(ctx); err != nil {
		conn.Disconnect()
		return nil, d, fmt.Errorf("%w: %v", ErrLocalAndRemoteUnavailable, err)
	}
	return conn, d, nil
}

func (o *Orchestrator) attemptConfig(creds *store.GatewayCredentials, host string, mode Mode) Config {
	cfg := o.base
	cfg.Host = host
	cfg.Mode = mode
	if cfg.Password == "" && creds.Password != "" {
		cfg.Password = creds.Password
	}
	return cfg
}

func (o *Orchestrator) persistLocalIP(mac, host string) {
	err := o.store.UpdateCredentials(mac, func(c *store.GatewayCredentials) error {
		c.CachedLocalIP = host
		c.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		o.logger.Error("persist local ip", "host", host, "err", err)
	}
}

func (o *Orchestrator) decide(mode Mode, host, reason string) Decision {
	d := Decision{Mode: mode, Host: host, Reason: reason}
	o.logger.Info("decision", "mode", mode.String(), "host", host, "reason", reason)
	if o.onDecision != nil {
		o.onDecision(d)
	}
	return d
}
