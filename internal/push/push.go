// Package push connects gateway transports (browser push, mobile push) to
// the relay bus. A driver supplies endpoints; the package handles
// registration, recovery and confirmation for every gateway alike.
package push

import (
	"encoding/json"

	"go.uber.org/zap"

	"pushrelay/internal/ebus"
	"pushrelay/internal/registry"
	"pushrelay/internal/relay"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Host is the relay core as seen by a gateway.
type Host interface {
	Bus() *ebus.Bus
	Registry() *registry.Registry
	OnStart(hook relay.StartHook)
}

// Driver builds gateway endpoints.
type Driver interface {
	Kind() types.TransportKind
	// Decode rebuilds an endpoint from a registration or a persisted entry.
	Decode(entry registry.Entry) (interfaces.Endpoint, error)
}

// Attach subscribes the gateway to the bus and recovers its scope on start.
// Handlers run on the hub goroutine.
func Attach(host Host, d Driver, logger *zap.SugaredLogger) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	g := &gateway{driver: d, scope: ScopeOf(d.Kind()), reg: host.Registry(), bus: host.Bus(), logger: logger}

	host.OnStart(func(reg *registry.Registry) {
		reg.Recover(g.scope, d.Decode)
	})

	switch d.Kind() {
	case types.KindWebPush:
		g.bus.OnRegisterWebPush(func(e ebus.RegisterWebPush) {
			g.register(registry.Entry{Name: e.Name, Group: e.Group, Data: e.Subscription})
		})
		g.bus.OnWebPushCallback(g.onCallback)
	case types.KindFCM:
		g.bus.OnRegisterFCM(func(e ebus.RegisterFCM) {
			data, _ := json.Marshal(e.Token)
			g.register(registry.Entry{Name: e.Name, Group: e.Group, Data: data})
		})
		g.bus.OnFCMCallback(g.onCallback)
	}
	g.bus.OnMessageClientStatus(g.onClientStatus)
	g.bus.OnUnregisterClient(g.onUnregister)
}

// ScopeOf returns the registry scope of a gateway kind.
func ScopeOf(kind types.TransportKind) types.Scope {
	if kind == types.KindFCM {
		return types.ScopeFCM
	}
	return types.ScopeWebPush
}

type gateway struct {
	driver Driver
	scope  types.Scope
	reg    *registry.Registry
	bus    *ebus.Bus
	logger *zap.SugaredLogger
}

func (g *gateway) register(entry registry.Entry) {
	ep, err := g.driver.Decode(entry)
	if err != nil {
		g.logger.Warnw("push registration rejected", "name", entry.Name, "error", err)
		return
	}
	if _, err := g.reg.Register(entry.Name, entry.Group, ep, g.scope); err != nil {
		g.logger.Warnw("push registration failed", "name", entry.Name, "error", err)
		return
	}
	g.logger.Infow("push client registered", "name", entry.Name, "group", entry.Group)
}

// onClientStatus drops the gateway copy of a message the recipient has
// confirmed through any transport.
func (g *gateway) onClientStatus(s ebus.ClientStatus) {
	if s.Status != types.StatusOK {
		return
	}
	c := g.reg.GetClient(s.Name, g.scope)
	if c == nil {
		return
	}
	c.Confirm(s.MID)
	c.Discard(s.MID)
}

// onCallback turns a device receipt into an ok status.
func (g *gateway) onCallback(cb ebus.Callback) {
	if !g.reg.HasClient(cb.Name, g.scope) {
		g.logger.Debugw("callback for unknown push client", "name", cb.Name, "mid", cb.MID)
		return
	}
	g.bus.EmitMessageClientStatus(ebus.ClientStatus{MID: cb.MID, Name: cb.Name, Status: types.StatusOK})
}

func (g *gateway) onUnregister(ref ebus.ClientRef) {
	if ref.Scope == g.scope {
		g.logger.Infow("push client removed", "name", ref.Name)
	}
}
