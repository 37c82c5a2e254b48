//go:build !no_automation

package main

import (
	"log/slog"

	"tydom-go/internal/automation"
	"tydom-go/internal/tydom"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(client *tydom.Client, cfg *Config, logger *slog.Logger) *autoStopper {
	if !cfg.Automation.Enabled {
		return &autoStopper{}
	}
	engine := automation.NewEngine(client, logger)
	engine.Start(cfg.Automation.ScriptsDir)
	return &autoStopper{engine: engine}
}
