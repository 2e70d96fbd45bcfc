package websocket

import (
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// endpoint delivers MESSAGE packets into a live socket. Confirmation
// arrives as a MESSAGE_CALLBACK on the same socket.
type endpoint struct {
	conn *Connection
}

var _ interfaces.Endpoint = (*endpoint)(nil)

func (e *endpoint) Kind() types.TransportKind { return types.KindSocket }

// Send drops the packet when the socket is closed or its buffer is full;
// the delivery retry sends it again.
func (e *endpoint) Send(msg *types.Message, _ interfaces.Reporter) {
	if err := e.conn.TrySend(types.NewMessagePacket(msg)); err != nil {
		e.conn.logger.Debugw("socket delivery skipped", "mid", msg.MID, "error", err)
	}
}

func (e *endpoint) Close() error {
	return e.conn.Close()
}
