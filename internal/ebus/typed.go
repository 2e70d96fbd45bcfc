package ebus

import "pushrelay/pkg/types"

// Typed wrappers keep payload assertions in one place.

func (b *Bus) OnMessageStart(h func(*types.Message)) {
	b.On(EventMessageStart, func(p any) { h(p.(*types.Message)) })
}

func (b *Bus) EmitMessageStart(m *types.Message) {
	b.Emit(EventMessageStart, m)
}

func (b *Bus) OnMessageClientStatus(h func(ClientStatus)) {
	b.On(EventMessageClientStatus, func(p any) { h(p.(ClientStatus)) })
}

func (b *Bus) EmitMessageClientStatus(s ClientStatus) {
	b.Emit(EventMessageClientStatus, s)
}

func (b *Bus) OnMessageEnd(h func(MessageEnd)) {
	b.On(EventMessageEnd, func(p any) { h(p.(MessageEnd)) })
}

func (b *Bus) EmitMessageEnd(e MessageEnd) {
	b.Emit(EventMessageEnd, e)
}

func (b *Bus) OnUnregisterClient(h func(ClientRef)) {
	b.On(EventUnregisterClient, func(p any) { h(p.(ClientRef)) })
}

func (b *Bus) EmitUnregisterClient(c ClientRef) {
	b.Emit(EventUnregisterClient, c)
}

func (b *Bus) OnRegisterWebPush(h func(RegisterWebPush)) {
	b.On(EventRegisterWebPush, func(p any) { h(p.(RegisterWebPush)) })
}

func (b *Bus) EmitRegisterWebPush(r RegisterWebPush) {
	b.Emit(EventRegisterWebPush, r)
}

func (b *Bus) OnRegisterFCM(h func(RegisterFCM)) {
	b.On(EventRegisterFCM, func(p any) { h(p.(RegisterFCM)) })
}

func (b *Bus) EmitRegisterFCM(r RegisterFCM) {
	b.Emit(EventRegisterFCM, r)
}

func (b *Bus) OnWebPushCallback(h func(Callback)) {
	b.On(EventWebPushCallback, func(p any) { h(p.(Callback)) })
}

func (b *Bus) EmitWebPushCallback(c Callback) {
	b.Emit(EventWebPushCallback, c)
}

func (b *Bus) OnFCMCallback(h func(Callback)) {
	b.On(EventFCMCallback, func(p any) { h(p.(Callback)) })
}

func (b *Bus) EmitFCMCallback(c Callback) {
	b.Emit(EventFCMCallback, c)
}
