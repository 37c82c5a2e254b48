//go:build no_mqtt

package main

import (
	"log/slog"

	"tydom-go/internal/tydom"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *tydom.Client, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
