package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pushrelay/pkg/types"
)

// packet is a server packet with its data left raw.
type packet struct {
	Cmd  types.Command   `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

// TestClient represents a push socket for testing
type TestClient struct {
	Name      string
	Group     string
	ServerURL string

	conn    *websocket.Conn
	packets chan packet
	errors  chan error
	done    chan struct{}

	writeMu sync.Mutex
}

// NewTestClient creates a new socket test client
func NewTestClient(name, group, serverURL string) *TestClient {
	return &TestClient{
		Name:      name,
		Group:     group,
		ServerURL: serverURL,
		packets:   make(chan packet, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Connect dials the relay and authenticates with token.
func (tc *TestClient) Connect(ctx context.Context, token string) (types.AuthReply, error) {
	u, err := url.Parse(tc.ServerURL)
	if err != nil {
		return types.AuthReply{}, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else if u.Scheme == "https" {
		u.Scheme = "wss"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return types.AuthReply{}, fmt.Errorf("failed to connect: %w", err)
	}
	tc.conn = conn
	go tc.readLoop()

	if err := tc.Send(types.CmdAuth, types.AuthRequest{Token: token, Name: tc.Name, Group: tc.Group}); err != nil {
		return types.AuthReply{}, err
	}
	p, err := tc.Receive(types.CmdAuth, 5*time.Second)
	if err != nil {
		return types.AuthReply{}, err
	}
	var reply types.AuthReply
	if err := json.Unmarshal(p.Data, &reply); err != nil {
		return types.AuthReply{}, err
	}
	if reply.Code != 200 {
		return reply, fmt.Errorf("auth failed: %d %s", reply.Code, reply.Msg)
	}
	return reply, nil
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		var p packet
		if err := tc.conn.ReadJSON(&p); err != nil {
			select {
			case tc.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}
		select {
		case tc.packets <- p:
		default:
			select {
			case tc.errors <- fmt.Errorf("packet channel full, dropping %s", p.Cmd):
			default:
			}
		}
	}
}

// Send writes a request packet.
func (tc *TestClient) Send(cmd types.Command, data any) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = tc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return tc.conn.WriteJSON(map[string]any{"cmd": cmd, "data": data})
}

// Receive waits for the next packet of cmd, skipping others.
func (tc *TestClient) Receive(cmd types.Command, timeout time.Duration) (packet, error) {
	deadline := time.After(timeout)
	for {
		select {
		case p := <-tc.packets:
			if p.Cmd == cmd {
				return p, nil
			}
		case err := <-tc.errors:
			return packet{}, err
		case <-deadline:
			return packet{}, fmt.Errorf("timeout waiting for %s", cmd)
		case <-tc.done:
			return packet{}, fmt.Errorf("client disconnected")
		}
	}
}

// ReceiveMessage waits for a MESSAGE packet.
func (tc *TestClient) ReceiveMessage(timeout time.Duration) (*types.Message, error) {
	p, err := tc.Receive(types.CmdMessage, timeout)
	if err != nil {
		return nil, err
	}
	var msg types.Message
	if err := json.Unmarshal(p.Data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Ack confirms delivery of mid.
func (tc *TestClient) Ack(mid string) error {
	return tc.Send(types.CmdMessageCallback, types.CallbackRequest{MID: mid})
}

// Close closes the socket and waits for the read loop to end.
func (tc *TestClient) Close() {
	if tc.conn == nil {
		return
	}
	_ = tc.conn.Close()
	<-tc.done
}
