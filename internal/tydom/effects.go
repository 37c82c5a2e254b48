package tydom

import (
	"log/slog"
	"sync"
	"time"
)

// Effect is a side-effect instruction produced by the pipeline and consumed
// by the Executor. The decoder only produces effects; it never runs them.
type Effect interface {
	isEffect()
}

// SendCommands sends each command over the active connection.
type SendCommands struct {
	Commands []Command
}

// SchedulePoll (re)configures the poll scheduler to re-send each URL every
// Interval.
type SchedulePoll struct {
	URLs     []string
	Interval time.Duration
}

// Refresh sends a refresh-all command and triggers one immediate poll.
type Refresh struct{}

// PongReceived marks the last-pong timestamp for the watchdog.
type PongReceived struct{}

// CDataChunk is one piece of a (possibly multi-frame) cdata reply.
type CDataChunk struct {
	TxID string
	Body []byte
	EOR  bool
}

// CDataReplyChunk appends a chunk to the reassembly store.
type CDataReplyChunk struct {
	Chunk CDataChunk
}

func (SendCommands) isEffect()    {}
func (SchedulePoll) isEffect()    {}
func (Refresh) isEffect()         {}
func (PongReceived) isEffect()    {}
func (CDataReplyChunk) isEffect() {}

// PollingConfig controls the poll scheduler.
type PollingConfig struct {
	Interval       time.Duration
	OnlyWhenActive bool
}

// Executor drains effects in FIFO order on a single worker goroutine.
// Effect failures are logged and never propagated into the message stream.
type Executor struct {
	send    func(Command) error
	nextTx  func() string
	polling PollingConfig
	logger  *slog.Logger

	queue    chan Effect
	done     chan struct{}
	stopped  chan struct{}
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once

	poller *pollScheduler

	mu       sync.Mutex
	lastPong time.Time
	cdata    map[string][]byte
	complete map[string][]byte
}

// NewExecutor creates an executor. send transmits one command; isActive
// gates polling when OnlyWhenActive is set (nil means always active).
func NewExecutor(send func(Command) error, nextTx func() string, polling PollingConfig, isActive func() bool, logger *slog.Logger) *Executor {
	x := &Executor{
		send:     send,
		nextTx:   nextTx,
		polling:  polling,
		logger:   logger.With("component", "effects"),
		queue:    make(chan Effect, 256),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		cdata:    make(map[string][]byte),
		complete: make(map[string][]byte),
	}
	x.poller = newPollScheduler(x.sendPoll, polling.OnlyWhenActive, isActive, x.logger)
	return x
}

// Start spawns the worker.
func (x *Executor) Start() {
	x.startMu.Lock()
	if x.started {
		x.startMu.Unlock()
		return
	}
	x.started = true
	x.startMu.Unlock()
	go x.run()
}

// Stop drains nothing further; queued effects past the stop point are
// discarded. Safe to call multiple times.
func (x *Executor) Stop() {
	x.stopOnce.Do(func() {
		close(x.done)
		x.poller.stop()
	})
	x.startMu.Lock()
	started := x.started
	x.startMu.Unlock()
	if started {
		<-x.stopped
	}
}

// Enqueue appends effects to the queue as one contiguous block.
func (x *Executor) Enqueue(effects ...Effect) {
	for _, e := range effects {
		select {
		case x.queue <- e:
		case <-x.done:
			return
		}
	}
}

// LastPong returns the time the last pong was observed.
func (x *Executor) LastPong() time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastPong
}

// PongOverdue reports whether no pong arrived within threshold of the last
// one. Before any pong was seen it reports false.
func (x *Executor) PongOverdue(threshold time.Duration) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.lastPong.IsZero() {
		return false
	}
	return time.Since(x.lastPong) > threshold
}

// CDataReply returns the reassembled reply for a transaction once its final
// chunk arrived, removing it from the store.
func (x *Executor) CDataReply(txID string) ([]byte, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	body, ok := x.complete[txID]
	if ok {
		delete(x.complete, txID)
	}
	return body, ok
}

func (x *Executor) run() {
	defer close(x.stopped)
	for {
		select {
		case <-x.done:
			return
		case e := <-x.queue:
			x.apply(e)
		}
	}
}

func (x *Executor) apply(e Effect) {
	switch e := e.(type) {
	case SendCommands:
		for _, cmd := range e.Commands {
			if err := x.send(cmd); err != nil {
				x.logger.Warn("send command", "err", err)
			}
		}

	case SchedulePoll:
		if x.polling.Interval > 0 && e.Interval > 0 {
			x.poller.configure(e.URLs, e.Interval)
		}

	case Refresh:
		if err := x.send(RefreshAll(x.nextTx())); err != nil {
			x.logger.Warn("send refresh all", "err", err)
		}
		x.poller.pollNow()

	case PongReceived:
		x.mu.Lock()
		x.lastPong = time.Now()
		x.mu.Unlock()

	case CDataReplyChunk:
		x.mu.Lock()
		x.cdata[e.Chunk.TxID] = append(x.cdata[e.Chunk.TxID], e.Chunk.Body...)
		if e.Chunk.EOR {
			x.complete[e.Chunk.TxID] = x.cdata[e.Chunk.TxID]
			delete(x.cdata, e.Chunk.TxID)
		}
		x.mu.Unlock()

	default:
		x.logger.Warn("unknown effect", "effect", e)
	}
}

func (x *Executor) sendPoll(url string) {
	if err := x.send(PollDeviceData(x.nextTx(), url)); err != nil {
		x.logger.Warn("poll", "url", url, "err", err)
	}
}

// pollScheduler periodically re-sends a set of URLs. Reconfiguration
// replaces the previous schedule; polls pause while isActive reports false.
type pollScheduler struct {
	mu             sync.Mutex
	urls           []string
	interval       time.Duration
	cancel         chan struct{}
	onlyWhenActive bool
	isActive       func() bool
	sendPoll       func(url string)
	logger         *slog.Logger
}

func newPollScheduler(sendPoll func(url string), onlyWhenActive bool, isActive func() bool, logger *slog.Logger) *pollScheduler {
	return &pollScheduler{
		onlyWhenActive: onlyWhenActive,
		isActive:       isActive,
		sendPoll:       sendPoll,
		logger:         logger,
	}
}

func (p *pollScheduler) configure(urls []string, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		close(p.cancel)
	}
	p.urls = append([]string(nil), urls...)
	p.interval = interval
	p.cancel = make(chan struct{})

	cancel := p.cancel
	go p.loop(p.urls, interval, cancel)
	p.logger.Debug("poll schedule configured", "urls", len(urls), "interval", interval)
}

func (p *pollScheduler) loop(urls []string, interval time.Duration, cancel chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			p.pollOnce(urls)
		}
	}
}

func (p *pollScheduler) pollOnce(urls []string) {
	if p.onlyWhenActive && p.isActive != nil && !p.isActive() {
		return
	}
	for _, url := range urls {
		p.sendPoll(url)
	}
}

// pollNow runs one scheduled poll immediately.
func (p *pollScheduler) pollNow() {
	p.mu.Lock()
	urls := append([]string(nil), p.urls...)
	p.mu.Unlock()
	if len(urls) > 0 {
		p.pollOnce(urls)
	}
}

func (p *pollScheduler) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		close(p.cancel)
		p.cancel = nil
	}
}
