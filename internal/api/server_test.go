package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/auth"
	"pushrelay/internal/ratelimit"
	"pushrelay/internal/relay"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

const testToken = "secret"

// device confirms every message it receives.
type device struct {
	mu   sync.Mutex
	msgs []*types.Message
	ack  bool
}

func (d *device) Kind() types.TransportKind { return types.KindSocket }
func (d *device) Close() error              { return nil }

func (d *device) Send(msg *types.Message, r interfaces.Reporter) {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	if d.ack {
		go func() {
			r.Status(msg.MID, types.StatusOK)
			r.Confirm(msg.MID)
		}()
	}
}

func (d *device) received() []*types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.Message(nil), d.msgs...)
}

type fixture struct {
	core      *relay.Core
	authority *auth.Authority
	server    *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	core := relay.New(nil, relay.Options{
		RetryTimeouts: map[types.Scope]time.Duration{types.ScopeSocket: time.Hour},
	}, nil)
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() { _ = core.Stop(context.Background()) })

	authority, err := auth.New(testToken)
	require.NoError(t, err)
	if opts.Token == "" {
		opts.Token = testToken
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = time.Second
	}
	return &fixture{core: core, authority: authority, server: NewServer(core, authority, nil, opts, nil)}
}

func (f *fixture) register(t *testing.T, name string, d *device) {
	t.Helper()
	_, err := f.core.Register(context.Background(), name, "", d, types.ScopeSocket)
	require.NoError(t, err)
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func (f *fixture) post(t *testing.T, packet any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(packet)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	return f.do(req)
}

type packet struct {
	Cmd  types.Command   `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

func decodePacket(t *testing.T, w *httptest.ResponseRecorder) packet {
	t.Helper()
	var p packet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p), w.Body.String())
	return p
}

func decodeReply(t *testing.T, w *httptest.ResponseRecorder) types.MessageReply {
	t.Helper()
	p := decodePacket(t, w)
	require.Equal(t, types.CmdMessageReply, p.Cmd)
	var reply types.MessageReply
	require.NoError(t, json.Unmarshal(p.Data, &reply))
	return reply
}

func TestServer_GetSend(t *testing.T) {
	f := newFixture(t, Options{})
	d := &device{ack: true}
	f.register(t, "alice", d)

	w := f.do(httptest.NewRequest(http.MethodGet, "/alice.send?text=hello&desp=world&url=https%3A%2F%2Fexample.com", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	reply := decodeReply(t, w)
	assert.Equal(t, types.StatusMap{"alice": types.StatusOK}, reply.Status)

	msgs := d.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body.Text)
	assert.Equal(t, "world", msgs[0].Body.Desp)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, msgs[0].Body.Extra)
	assert.Equal(t, types.MethodHTTP, msgs[0].From.Method)
}

func TestServer_GetGroup(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := &device{ack: true}, &device{ack: true}
	_, err := f.core.Register(context.Background(), "a", "team", a, types.ScopeSocket)
	require.NoError(t, err)
	_, err = f.core.Register(context.Background(), "b", "team", b, types.ScopeSocket)
	require.NoError(t, err)

	w := f.do(httptest.NewRequest(http.MethodGet, "/team.group?text=hi", nil))
	require.Equal(t, http.StatusOK, w.Code)
	reply := decodeReply(t, w)
	assert.Equal(t, types.StatusMap{"a": types.StatusOK, "b": types.StatusOK}, reply.Status)
}

func TestServer_GetTimeoutReturnsSnapshot(t *testing.T) {
	f := newFixture(t, Options{WaitTimeout: 100 * time.Millisecond})
	f.register(t, "alice", &device{})

	w := f.do(httptest.NewRequest(http.MethodGet, "/alice.send?text=hello", nil))
	require.Equal(t, http.StatusOK, w.Code)
	reply := decodeReply(t, w)
	assert.Equal(t, types.StatusMap{"alice": types.StatusWait}, reply.Status)
}

func TestServer_GetErrors(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name string
		path string
	}{
		{"no suffix", "/alice?text=hi"},
		{"unknown suffix", "/alice.push?text=hi"},
		{"empty body", "/alice.send"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, types.CmdInfo, decodePacket(t, w).Cmd)
		})
	}
}

func TestServer_PostMessage(t *testing.T) {
	f := newFixture(t, Options{})
	d := &device{ack: true}
	f.register(t, "alice", d)

	w := f.post(t, map[string]any{
		"cmd": "MESSAGE",
		"data": map[string]any{
			"sendType": "personal",
			"target":   "alice",
			"message":  map[string]any{"text": "hi"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.StatusMap{"alice": types.StatusOK}, decodeReply(t, w).Status)
}

func TestServer_PostForm(t *testing.T) {
	f := newFixture(t, Options{})
	d := &device{ack: true}
	f.register(t, "alice", d)

	form := url.Values{
		"cmd":  {"MESSAGE"},
		"data": {`{"target":"alice","message":{"desp":"from a form"}}`},
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.StatusMap{"alice": types.StatusOK}, decodeReply(t, w).Status)
	assert.Equal(t, "from a form", d.received()[0].Body.Desp)
}

func TestServer_PostRejectsContentType(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"cmd":"TEST_HTTP"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := f.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported content type")
}

func TestServer_Auth(t *testing.T) {
	f := newFixture(t, Options{AuthExtras: types.AuthReply{WebPushPublicKey: "vapid-public"}})

	w := f.post(t, map[string]any{"cmd": "AUTH", "data": map[string]any{"token": "wrong", "name": "alice"}})
	require.Equal(t, http.StatusOK, w.Code)
	var reply types.AuthReply
	require.NoError(t, json.Unmarshal(decodePacket(t, w).Data, &reply))
	assert.Equal(t, http.StatusForbidden, reply.Code)
	assert.Empty(t, reply.Auth)

	w = f.post(t, map[string]any{"cmd": "AUTH", "data": map[string]any{"token": testToken, "name": "alice", "group": "team"}})
	require.Equal(t, http.StatusOK, w.Code)
	reply = types.AuthReply{}
	require.NoError(t, json.Unmarshal(decodePacket(t, w).Data, &reply))
	assert.Equal(t, http.StatusOK, reply.Code)
	assert.Equal(t, "vapid-public", reply.WebPushPublicKey)

	id, err := f.authority.Verify(reply.Auth)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{Name: "alice", Group: "team"}, id)
}

func TestServer_MessageCallback(t *testing.T) {
	f := newFixture(t, Options{WaitTimeout: 50 * time.Millisecond})
	d := &device{}
	f.register(t, "alice", d)

	w := f.do(httptest.NewRequest(http.MethodGet, "/alice.send?text=hi", nil))
	mid := decodeReply(t, w).MID

	w = f.post(t, map[string]any{"cmd": "MESSAGE_CALLBACK", "data": map[string]string{"mid": mid}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "must need auth")

	token, err := f.authority.Issue(auth.Identity{Name: "alice"})
	require.NoError(t, err)
	w = f.post(t, map[string]any{"cmd": "MESSAGE_CALLBACK", "auth": token, "data": map[string]string{"mid": mid}})
	require.Equal(t, http.StatusOK, w.Code)
	p := decodePacket(t, w)
	assert.Equal(t, types.CmdInfo, p.Cmd)
	assert.JSONEq(t, `"ok"`, string(p.Data))

	// the record completed and was dropped
	status, err := f.core.Status(context.Background(), mid)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestServer_InvalidAuthToken(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.post(t, map[string]any{"cmd": "MESSAGE_CALLBACK", "auth": "not-a-jwt", "data": map[string]string{"mid": "m"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_RegisterFCM(t *testing.T) {
	token := func(f *fixture, name string) string {
		tok, err := f.authority.Issue(auth.Identity{Name: name})
		require.NoError(t, err)
		return tok
	}

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, Options{})
		w := f.post(t, map[string]any{"cmd": "REGISTER_FCM", "auth": token(f, "alice"), "data": map[string]string{"token": "t"}})
		assert.Contains(t, w.Body.String(), "not enabled")
	})

	t.Run("requires auth", func(t *testing.T) {
		f := newFixture(t, Options{FCMEnabled: true})
		w := f.post(t, map[string]any{"cmd": "REGISTER_FCM", "data": map[string]string{"token": "t"}})
		assert.Contains(t, w.Body.String(), "must need auth")
	})

	t.Run("unknown client", func(t *testing.T) {
		f := newFixture(t, Options{FCMEnabled: true})
		w := f.post(t, map[string]any{"cmd": "REGISTER_FCM", "auth": token(f, "ghost"), "data": map[string]string{"token": "t"}})
		assert.Contains(t, w.Body.String(), "is not register")
	})

	t.Run("registered client", func(t *testing.T) {
		f := newFixture(t, Options{FCMEnabled: true})
		f.register(t, "alice", &device{})
		w := f.post(t, map[string]any{"cmd": "REGISTER_FCM", "auth": token(f, "alice"), "data": map[string]string{"token": "t"}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `"ok"`, string(decodePacket(t, w).Data))
	})
}

func TestServer_TestHTTPAndUnknown(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.post(t, map[string]any{"cmd": "TEST_HTTP"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = f.post(t, map[string]any{"cmd": "SHUTDOWN"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, types.CmdInfo, decodePacket(t, w).Cmd)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(httptest.NewRequest(http.MethodDelete, "/alice.send", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_CORS(t *testing.T) {
	preflight := func() *http.Request {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		return req
	}

	off := newFixture(t, Options{})
	w := off.do(preflight())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	on := newFixture(t, Options{CORS: true})
	w = on.do(preflight())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestServer_VerifyToken(t *testing.T) {
	f := newFixture(t, Options{VerifyToken: true})
	f.register(t, "alice", &device{ack: true})

	w := f.do(httptest.NewRequest(http.MethodGet, "/alice.send?text=hi", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, header := range []string{testToken, "Bearer " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/alice.send?text=hi", nil)
		req.Header.Set("Authorization", header)
		w = f.do(req)
		assert.Equal(t, http.StatusOK, w.Code, header)
	}
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, Options{Limiter: ratelimit.PerMinute(1)})
	f.register(t, "alice", &device{ack: true})

	w := f.do(httptest.NewRequest(http.MethodGet, "/alice.send?text=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(httptest.NewRequest(http.MethodGet, "/alice.send?text=2", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), ratelimit.ErrLimitExceeded.Error())
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, Options{VerifyToken: true})
	f.register(t, "alice", &device{})

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Clients)
}

func TestServer_RoutesUpgradesToSockets(t *testing.T) {
	f := newFixture(t, Options{})
	upgraded := false
	f.server = NewServer(f.core, f.authority, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgraded = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	}), Options{Token: testToken}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := f.do(req)
	assert.True(t, upgraded)
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
}
