//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tydom-go/internal/tydom"
)

// Gateway is the client surface scripts can drive.
type Gateway interface {
	Events() *tydom.EventBus
	SetDeviceData(ctx context.Context, deviceID, endpointID int, name string, value any) error
}

// luaHandler is a registered Lua callback for one device (or "*" for any).
type luaHandler struct {
	uniqueID string
	fn       *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All Lua access is
// serialized through the commands channel.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches device updates to scripts.
type Engine struct {
	gw     Gateway
	logger *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(gw Gateway, logger *slog.Logger) *Engine {
	return &Engine{
		gw:     gw,
		logger: logger.With("component", "automation"),
		vms:    make(map[string]*scriptVM),
	}
}

// Start loads all scripts from dir and subscribes to device updates.
func (e *Engine) Start(dir string) {
	scripts, err := LoadScripts(dir)
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.unsub = e.gw.Events().On("devices", e.dispatchMessage)
	e.logger.Info("automation engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.logger.Info("automation engine stopped")
}

func (e *Engine) startScript(s Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		id:       s.ID,
		state:    lua.NewState(),
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.registerBindings(vm)

	if err := vm.state.DoString(s.Source); err != nil {
		vm.state.Close()
		cancel()
		return fmt.Errorf("script %s: %w", s.ID, err)
	}

	go vm.loop()

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()
	e.logger.Info("script loaded", "id", s.ID, "handlers", len(vm.handlers))
	return nil
}

func (vm *scriptVM) loop() {
	defer vm.state.Close()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case cmd := <-vm.commands:
			cmd(vm.state)
		}
	}
}

// dispatchMessage fans one Devices message out to all matching handlers.
func (e *Engine) dispatchMessage(msg tydom.Message) {
	devs, ok := msg.(*tydom.Devices)
	if !ok {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, dev := range devs.Devices {
		for _, vm := range vms {
			vm.dispatch(e.logger, dev)
		}
	}
}

func (vm *scriptVM) dispatch(logger *slog.Logger, dev tydom.Device) {
	vm.mu.Lock()
	handlers := append([]luaHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		if h.uniqueID != "*" && h.uniqueID != dev.UniqueID {
			continue
		}
		fn := h.fn
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, deviceToLua(L, dev)); err != nil {
				logger.Error("script handler", "id", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
			return
		default:
			logger.Warn("script queue full, dropping update", "id", vm.id, "unique_id", dev.UniqueID)
		}
	}
}

// registerBindings exposes the tydom module to a VM:
//
//	tydom.on_update(unique_id, fn)  -- "*" matches any device
//	tydom.set(device, endpoint, name, value)
//	tydom.log(msg)
func (e *Engine) registerBindings(vm *scriptVM) {
	L := vm.state
	mod := L.NewTable()

	L.SetField(mod, "on_update", L.NewFunction(func(L *lua.LState) int {
		uniqueID := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaHandler{uniqueID: uniqueID, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	L.SetField(mod, "set", L.NewFunction(func(L *lua.LState) int {
		deviceID := L.CheckInt(1)
		endpointID := L.CheckInt(2)
		name := L.CheckString(3)
		value := luaToGo(L.CheckAny(4))

		ctx, cancel := context.WithTimeout(vm.ctx, 10*time.Second)
		defer cancel()
		if err := e.gw.SetDeviceData(ctx, deviceID, endpointID, name, value); err != nil {
			e.logger.Error("script set", "id", vm.id, "err", err)
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script", "id", vm.id, "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("tydom", mod)
}

func deviceToLua(L *lua.LState, dev tydom.Device) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "unique_id", lua.LString(dev.UniqueID))
	L.SetField(t, "device_id", lua.LNumber(dev.ID))
	L.SetField(t, "endpoint_id", lua.LNumber(dev.EndpointID))
	L.SetField(t, "name", lua.LString(dev.Name))
	L.SetField(t, "usage", lua.LString(dev.Usage))
	L.SetField(t, "kind", lua.LString(string(dev.Kind)))

	data := L.NewTable()
	for k, v := range dev.Data {
		L.SetField(data, k, goToLua(L, v))
	}
	L.SetField(t, "data", data)
	return t
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

func luaToGo(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	default:
		return v.String()
	}
}
