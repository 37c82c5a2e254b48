package tydom

import (
	"context"
	"log/slog"
)

// Pipeline turns raw socket payloads into decoded messages, hydrates them
// from the catalog, fans them out on the event bus and hands their effects
// to the executor. Per-payload ordering is preserved end to end.
//
// The pipeline outlives a single connect/disconnect cycle: consumers attach
// once (via Events or Messages) and observe subsequent reconnects through
// the same handle.
type Pipeline struct {
	decoder  *Decoder
	catalog  *Catalog
	executor *Executor
	events   *EventBus
	out      chan Message
	logger   *slog.Logger
}

// NewPipeline wires decoder, catalog, executor and event bus together.
func NewPipeline(decoder *Decoder, catalog *Catalog, executor *Executor, events *EventBus, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		decoder:  decoder,
		catalog:  catalog,
		executor: executor,
		events:   events,
		out:      make(chan Message, 256),
		logger:   logger.With("component", "pipeline"),
	}
}

// Messages returns the decoded message tap. The channel is never closed; it
// survives reconnects. A consumer that stops reading loses messages (they
// are still delivered through the event bus, which is lossless).
func (p *Pipeline) Messages() <-chan Message {
	return p.out
}

// Events returns the event bus.
func (p *Pipeline) Events() *EventBus {
	return p.events
}

// Run consumes payloads until the channel closes or ctx is cancelled.
// It returns once the stream ends, so a caller can reconnect and Run again
// with the next connection's stream.
func (p *Pipeline) Run(ctx context.Context, payloads <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				return
			}
			p.process(payload)
		}
	}
}

func (p *Pipeline) process(payload []byte) {
	msg, effects := p.decoder.Decode(payload)
	msg = p.hydrate(msg)

	p.events.Emit(msg)
	select {
	case p.out <- msg:
	default:
		p.logger.Warn("message tap full, dropping", "type", msg.Type())
	}

	// Effects of one message enqueue as a contiguous block, in order.
	if len(effects) > 0 {
		p.executor.Enqueue(effects...)
	}
}

// hydrate fills name/usage/kind/metadata on Devices messages decoded before
// the catalog knew the endpoint. It only touches in-memory state and never
// blocks the stream.
func (p *Pipeline) hydrate(msg Message) Message {
	devs, ok := msg.(*Devices)
	if !ok {
		return msg
	}
	for i := range devs.Devices {
		d := &devs.Devices[i]
		if d.Name != "" && d.Usage != "" {
			continue
		}
		entry, ok := p.catalog.DeviceInfo(d.UniqueID)
		if !ok {
			continue
		}
		if d.Name == "" {
			d.Name = entry.Name
		}
		if d.Usage == "" {
			d.Usage = entry.Usage
			d.Kind = KindForUsage(entry.Usage)
		}
		if d.Metadata == nil {
			d.Metadata = entry.Metadata
		}
	}
	return devs
}
