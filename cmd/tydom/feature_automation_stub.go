//go:build no_automation

package main

import (
	"log/slog"

	"tydom-go/internal/tydom"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *tydom.Client, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
