package types

import (
	"encoding/json"
	"fmt"
)

// Command identifies a wire packet.
type Command string

// Client to server commands.
const (
	CmdAuth            Command = "AUTH"
	CmdMessage         Command = "MESSAGE"
	CmdMessageCallback Command = "MESSAGE_CALLBACK"
	CmdWebPushCallback Command = "MESSAGE_WEBPUSH_CALLBACK"
	CmdFCMCallback     Command = "MESSAGE_FCM_CALLBACK"
	CmdRegisterWebPush Command = "REGISTER_WEBPUSH"
	CmdRegisterFCM     Command = "REGISTER_FCM"
	CmdPing            Command = "PING"
	CmdUnregister      Command = "UNREGISTER"
	CmdTestHTTP        Command = "TEST_HTTP"
)

// Server to client commands. MESSAGE and AUTH are shared with the list above.
const (
	CmdMessageReply Command = "MESSAGE_REPLY"
	CmdInfo         Command = "INFO"
	CmdPong         Command = "PONG"
)

// Request is a client packet. Data is decoded lazily per command.
type Request struct {
	Cmd  Command         `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
	Auth string          `json:"auth,omitempty"`
}

// Packet is a server packet.
type Packet struct {
	Cmd  Command `json:"cmd"`
	Data any     `json:"data,omitempty"`
}

// AuthRequest is the data of an AUTH request.
type AuthRequest struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// AuthReply is the data of an AUTH packet sent back to the client.
type AuthReply struct {
	Code             int    `json:"code"`
	Auth             string `json:"auth,omitempty"`
	Msg              string `json:"msg"`
	WebPushPublicKey string `json:"webpushPublicKey,omitempty"`
	FCMProjectID     string `json:"fcmProjectId,omitempty"`
	FCMApplicationID string `json:"fcmApplicationId,omitempty"`
	FCMAPIKey        string `json:"fcmApiKey,omitempty"`
}

// MessageRequest is the data of a MESSAGE request.
type MessageRequest struct {
	SendType SendType `json:"sendType"`
	Target   string   `json:"target"`
	Message  Body     `json:"message"`
}

// CallbackRequest is the data of MESSAGE_CALLBACK and the push callbacks.
type CallbackRequest struct {
	MID string `json:"mid"`
}

// RegisterFCMRequest is the data of REGISTER_FCM.
type RegisterFCMRequest struct {
	Token string `json:"token"`
}

// MessageReply is the data of MESSAGE_REPLY.
type MessageReply struct {
	MID    string    `json:"mid"`
	Status StatusMap `json:"status"`
}

// DecodeRequest parses a raw client packet.
func DecodeRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if req.Cmd == "" {
		return nil, fmt.Errorf("%w: missing cmd", ErrInvalidPacket)
	}
	return &req, nil
}

// DecodeData unmarshals the request data into dst.
func (r *Request) DecodeData(dst any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: %s requires data", ErrInvalidPacket, r.Cmd)
	}
	if err := json.Unmarshal(r.Data, dst); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidPacket, r.Cmd, err)
	}
	return nil
}

// ToMessage validates the request and builds a message from it.
func (r MessageRequest) ToMessage(from From) (*Message, error) {
	sendType := r.SendType
	if sendType == "" {
		sendType = SendTypePersonal
	}
	return NewMessage(sendType, r.Target, from, r.Message)
}

// NewMessagePacket wraps a message for delivery to a client.
func NewMessagePacket(m *Message) Packet {
	return Packet{Cmd: CmdMessage, Data: m}
}

// NewReplyPacket reports the outcome of a message to its sender.
func NewReplyPacket(mid string, status StatusMap) Packet {
	if status == nil {
		status = StatusMap{}
	}
	return Packet{Cmd: CmdMessageReply, Data: MessageReply{MID: mid, Status: status}}
}

// NewInfoPacket carries a human readable notice.
func NewInfoPacket(msg string) Packet {
	return Packet{Cmd: CmdInfo, Data: msg}
}

// NewAuthPacket answers an AUTH request.
func NewAuthPacket(reply AuthReply) Packet {
	return Packet{Cmd: CmdAuth, Data: reply}
}

// NewPongPacket answers a PING.
func NewPongPacket() Packet {
	return Packet{Cmd: CmdPong}
}
