package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/registry"
	"pushrelay/internal/storage"
	"pushrelay/pkg/types"
)

type report struct {
	mid    string
	status types.Status
}

type fakeReporter struct {
	statuses chan report
	confirms chan string
}

func newReporter() *fakeReporter {
	return &fakeReporter{statuses: make(chan report, 4), confirms: make(chan string, 4)}
}

func (r *fakeReporter) Status(mid string, s types.Status) { r.statuses <- report{mid, s} }
func (r *fakeReporter) Confirm(mid string)                { r.confirms <- mid }

func subscription(t *testing.T, endpoint string) json.RawMessage {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			"auth":   base64.RawURLEncoding.EncodeToString(secret),
		},
	})
	require.NoError(t, err)
	return raw
}

func newServer(t *testing.T) *Server {
	t.Helper()
	keys, err := GenerateKeys()
	require.NoError(t, err)
	s, err := New(Options{Keys: keys, Subscriber: "admin@example.com", TTL: 60}, nil)
	require.NoError(t, err)
	return s
}

func message(t *testing.T) *types.Message {
	t.Helper()
	msg, err := types.NewMessage(types.SendTypePersonal, "browser", types.From{Method: types.MethodHTTP}, types.Body{Text: "hello"})
	require.NoError(t, err)
	return msg
}

func TestDecode(t *testing.T) {
	s := newServer(t)

	ep, err := s.Decode(registry.Entry{Name: "browser", Data: subscription(t, "https://push.example.com/abc")})
	require.NoError(t, err)
	assert.Equal(t, types.KindWebPush, ep.Kind())

	for name, data := range map[string]string{
		"not json":    `{`,
		"no endpoint": `{"keys":{"p256dh":"x","auth":"y"}}`,
		"no keys":     `{"endpoint":"https://push.example.com/abc"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Decode(registry.Entry{Name: "browser", Data: json.RawMessage(data)})
			assert.ErrorIs(t, err, ErrInvalidSubscription)
		})
	}
}

func TestEndpoint_SnapshotIsSubscription(t *testing.T) {
	s := newServer(t)
	data := subscription(t, "https://push.example.com/abc")
	ep, err := s.Decode(registry.Entry{Name: "browser", Data: data})
	require.NoError(t, err)

	snap, ok := ep.(interface{ Snapshot() json.RawMessage })
	require.True(t, ok)
	assert.JSONEq(t, string(data), string(snap.Snapshot()))
}

func TestEndpoint_SendAccepted(t *testing.T) {
	type seen struct {
		urgency, ttl, auth, encoding string
	}
	requests := make(chan seen, 1)
	push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- seen{
			urgency:  r.Header.Get("Urgency"),
			ttl:      r.Header.Get("TTL"),
			auth:     r.Header.Get("Authorization"),
			encoding: r.Header.Get("Content-Encoding"),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer push.Close()

	s := newServer(t)
	ep, err := s.Decode(registry.Entry{Name: "browser", Data: subscription(t, push.URL+"/sub")})
	require.NoError(t, err)

	msg := message(t)
	r := newReporter()
	ep.Send(msg, r)

	select {
	case got := <-requests:
		assert.Equal(t, "high", got.urgency)
		assert.Equal(t, "60", got.ttl)
		assert.True(t, strings.HasPrefix(got.auth, "vapid "), got.auth)
		assert.Equal(t, "aes128gcm", got.encoding)
	case <-time.After(5 * time.Second):
		t.Fatal("push service not called")
	}
	assert.Equal(t, report{msg.MID, "webpush-send"}, <-r.statuses)
	assert.Equal(t, msg.MID, <-r.confirms)
}

func TestEndpoint_SendRejected(t *testing.T) {
	push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer push.Close()

	s := newServer(t)
	ep, err := s.Decode(registry.Entry{Name: "browser", Data: subscription(t, push.URL)})
	require.NoError(t, err)

	r := newReporter()
	ep.Send(message(t), r)

	select {
	case rep := <-r.statuses:
		t.Fatalf("unexpected status %v", rep)
	case <-r.confirms:
		t.Fatal("rejected push must not confirm")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLoadKeys(t *testing.T) {
	ctx := context.Background()

	keys, err := LoadKeys(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, keys.PublicKey)
	assert.NotEmpty(t, keys.PrivateKey)

	store := storage.NewMemoryStore()
	first, err := LoadKeys(ctx, store)
	require.NoError(t, err)
	second, err := LoadKeys(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, first, second, "keys are generated once and then reused")
}

func TestNew_RequiresKeys(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.Error(t, err)

	keys, err := GenerateKeys()
	require.NoError(t, err)
	_, err = New(Options{Keys: keys, Proxy: "://bad"}, nil)
	assert.Error(t, err)
}
