//go:build no_automation

package automation

import (
	"context"
	"log/slog"

	"tydom-go/internal/tydom"
)

// Gateway is the client surface scripts can drive.
type Gateway interface {
	Events() *tydom.EventBus
	SetDeviceData(ctx context.Context, deviceID, endpointID int, name string, value any) error
}

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Gateway, _ *slog.Logger) *Engine { return &Engine{} }

// Start is a no-op.
func (e *Engine) Start(_ string) {}

// Stop is a no-op.
func (e *Engine) Stop() {}
