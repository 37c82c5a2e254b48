//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tydom-go/internal/tydom"
)

type setCall struct {
	DeviceID   int
	EndpointID int
	Name       string
	Value      any
}

type fakeGateway struct {
	events *tydom.EventBus
	mu     sync.Mutex
	calls  []setCall
}

func newFakeGateway() *fakeGateway {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &fakeGateway{events: tydom.NewEventBus(logger)}
}

func (g *fakeGateway) Events() *tydom.EventBus { return g.events }

func (g *fakeGateway) SetDeviceData(_ context.Context, deviceID, endpointID int, name string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, setCall{deviceID, endpointID, name, value})
	return nil
}

func (g *fakeGateway) sets() []setCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]setCall(nil), g.calls...)
}

func writeScript(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
}

func testEngine(t *testing.T, source string) (*Engine, *fakeGateway) {
	t.Helper()
	dir := t.TempDir()
	writeScript(t, dir, "rule.lua", source)

	gw := newFakeGateway()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := NewEngine(gw, logger)
	e.Start(dir)
	t.Cleanup(e.Stop)
	return e, gw
}

func devicesMessage(uniqueID string, data map[string]any) *tydom.Devices {
	return &tydom.Devices{Devices: []tydom.Device{{
		ID: 1, EndpointID: 2, UniqueID: uniqueID,
		Name: "Living Room", Usage: "shutter", Kind: tydom.KindShutter,
		Data: data,
	}}}
}

func waitForSets(t *testing.T, gw *fakeGateway, n int) []setCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := gw.sets(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d set calls, have %d", n, len(gw.sets()))
	return nil
}

func TestEngineReactsToUpdate(t *testing.T) {
	_, gw := testEngine(t, `
		tydom.on_update("2_1", function(dev)
			if dev.data.level == 50 then
				tydom.set(1, 2, "position", 100)
			end
		end)
	`)

	gw.events.Emit(devicesMessage("2_1", map[string]any{"level": float64(50)}))

	calls := waitForSets(t, gw, 1)
	want := setCall{DeviceID: 1, EndpointID: 2, Name: "position", Value: float64(100)}
	if calls[0] != want {
		t.Errorf("call = %+v, want %+v", calls[0], want)
	}
}

func TestEngineFiltersByUniqueID(t *testing.T) {
	_, gw := testEngine(t, `
		tydom.on_update("9_9", function(dev)
			tydom.set(9, 9, "position", 0)
		end)
	`)

	gw.events.Emit(devicesMessage("2_1", map[string]any{"level": float64(50)}))

	time.Sleep(100 * time.Millisecond)
	if calls := gw.sets(); len(calls) != 0 {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestEngineWildcardHandler(t *testing.T) {
	_, gw := testEngine(t, `
		tydom.on_update("*", function(dev)
			tydom.set(dev.device_id, dev.endpoint_id, "seen", dev.unique_id)
		end)
	`)

	gw.events.Emit(devicesMessage("2_1", map[string]any{"level": float64(50)}))

	calls := waitForSets(t, gw, 1)
	if calls[0].Value != "2_1" {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestEngineBadScriptDoesNotWedge(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.lua", `this is not lua (`)
	writeScript(t, dir, "good.lua", `
		tydom.on_update("*", function(dev)
			tydom.set(1, 2, "ok", true)
		end)
	`)

	gw := newFakeGateway()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := NewEngine(gw, logger)
	e.Start(dir)
	t.Cleanup(e.Stop)

	gw.events.Emit(devicesMessage("2_1", nil))
	calls := waitForSets(t, gw, 1)
	if calls[0].Value != true {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestLoadScriptsMissingDir(t *testing.T) {
	scripts, err := LoadScripts(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("scripts = %v", scripts)
	}
}
