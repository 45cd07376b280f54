package wanthave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channel test server
// ============================================================================

type chatServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    map[int64][]*websocket.Conn
	received []receivedFrame
	auth     []string
	dials    int
}

type receivedFrame struct {
	conversationID int64
	data           []byte
}

func newChatServer(t *testing.T) *chatServer {
	cs := &chatServer{t: t, conns: map[int64][]*websocket.Conn{}}
	cs.srv = httptest.NewServer(http.HandlerFunc(cs.serveChannel))
	t.Cleanup(cs.srv.Close)
	return cs
}

// serveChannel accepts /ws/chat/{id}/ and records every frame the client sends.
func (cs *chatServer) serveChannel(w http.ResponseWriter, r *http.Request) {
	idStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/chat/"), "/")
	convID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || !strings.HasPrefix(r.URL.Path, "/ws/chat/") {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	cs.mu.Lock()
	cs.conns[convID] = append(cs.conns[convID], conn)
	cs.auth = append(cs.auth, r.Header.Get("Authorization"))
	cs.dials++
	cs.mu.Unlock()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.received = append(cs.received, receivedFrame{conversationID: convID, data: data})
		cs.mu.Unlock()
	}
}

// conn waits for the n-th connection (1-based) to a conversation.
func (cs *chatServer) conn(convID int64, n int) *websocket.Conn {
	cs.t.Helper()
	var c *websocket.Conn
	require.Eventually(cs.t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if len(cs.conns[convID]) >= n {
			c = cs.conns[convID][n-1]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (cs *chatServer) push(c *websocket.Conn, payload string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, []byte(payload))
}

func (cs *chatServer) frames() []receivedFrame {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]receivedFrame(nil), cs.received...)
}

func (cs *chatServer) dialCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.dials
}

type deliveries struct {
	mu   sync.Mutex
	list []Delivery
}

func (d *deliveries) add(v Delivery) {
	d.mu.Lock()
	d.list = append(d.list, v)
	d.mu.Unlock()
}

func (d *deliveries) all() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.list...)
}

func newTestTransport(t *testing.T, cs *chatServer) (*Transport, *deliveries) {
	tr := NewTransport(TransportConfig{Origin: cs.srv.URL, Token: "tok", Logger: zerolog.Nop()})
	got := &deliveries{}
	tr.OnDelivery(got.add)
	t.Cleanup(tr.Disconnect)
	return tr, got
}

// ============================================================================
// Tests
// ============================================================================

func TestChannelURL(t *testing.T) {
	tests := []struct {
		origin  string
		want    string
		wantErr bool
	}{
		{origin: "https://wanthave.example", want: "wss://wanthave.example/ws/chat/42/"},
		{origin: "http://localhost:8000/", want: "ws://localhost:8000/ws/chat/42/"},
		{origin: "https://wanthave.example/chat?x=1#top", want: "wss://wanthave.example/ws/chat/42/"},
		{origin: "ftp://wanthave.example", wantErr: true},
		{origin: "https://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			got, err := ChannelURL(tt.origin, 42)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransport_ConnectAndReceive(t *testing.T) {
	cs := newChatServer(t)
	tr, got := newTestTransport(t, cs)

	var states []ChannelState
	var statesMu sync.Mutex
	tr.OnStateChange(func(s ChannelState, gen uint64) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	assert.Equal(t, ChannelClosed, tr.State())
	gen, err := tr.Connect(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, ChannelOpen, tr.State())
	assert.Equal(t, int64(42), tr.ConversationID())
	assert.Equal(t, gen, tr.Generation())

	server := cs.conn(42, 1)
	require.NoError(t, cs.push(server, `{"message":"hello","sender_id":20,"timestamp":"2024-05-01 10:00:00+00:00"}`))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	d := got.all()[0]
	assert.Equal(t, gen, d.Generation)
	assert.Equal(t, int64(42), d.ConversationID)
	require.NotNil(t, d.Message)
	assert.Equal(t, "hello", d.Message.Content)
	assert.Equal(t, int64(42), d.Message.ConversationID)

	statesMu.Lock()
	assert.Equal(t, []ChannelState{ChannelConnecting, ChannelOpen}, states)
	statesMu.Unlock()

	cs.mu.Lock()
	assert.Equal(t, []string{"Bearer tok"}, cs.auth)
	cs.mu.Unlock()
}

func TestTransport_SwitchDiscardsStaleChannel(t *testing.T) {
	cs := newChatServer(t)
	tr, got := newTestTransport(t, cs)

	genX, err := tr.Connect(context.Background(), 1)
	require.NoError(t, err)
	oldServer := cs.conn(1, 1)

	genY, err := tr.Connect(context.Background(), 2)
	require.NoError(t, err)
	assert.Greater(t, genY, genX)
	newServer := cs.conn(2, 1)

	// The old channel may still be draining; anything it yields is stale.
	_ = cs.push(oldServer, `{"message":"late for one","sender_id":20}`)
	require.NoError(t, cs.push(newServer, `{"message":"for two","sender_id":30}`))

	require.Eventually(t, func() bool {
		for _, d := range got.all() {
			if d.Message != nil && d.Message.Content == "for two" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	for _, d := range got.all() {
		assert.Equal(t, genY, d.Generation)
		assert.Equal(t, int64(2), d.ConversationID)
		assert.NotEqual(t, "late for one", d.Message.Content)
	}
}

func TestTransport_DeliverDropsStaleGeneration(t *testing.T) {
	tr := NewTransport(TransportConfig{Origin: "http://localhost", Logger: zerolog.Nop()})
	got := &deliveries{}
	tr.OnDelivery(got.add)

	tr.mu.Lock()
	tr.generation = 3
	tr.mu.Unlock()

	tr.deliver(2, 1, []byte(`{"message":"stale","sender_id":1}`))
	tr.deliver(3, 1, []byte(`{"message":"current","sender_id":1}`))

	list := got.all()
	require.Len(t, list, 1)
	assert.Equal(t, "current", list[0].Message.Content)
}

func TestTransport_MalformedFramesDroppedChannelStaysOpen(t *testing.T) {
	cs := newChatServer(t)
	tr, got := newTestTransport(t, cs)

	_, err := tr.Connect(context.Background(), 42)
	require.NoError(t, err)
	server := cs.conn(42, 1)

	require.NoError(t, cs.push(server, `not json`))
	require.NoError(t, cs.push(server, `{"type":"typing","sender_id":20}`))
	require.NoError(t, cs.push(server, `{"type":"offer"}`))
	require.NoError(t, cs.push(server, `{"type":"offer","offer":{"id":1,"conversation":42,"status":"PENDING","amount":"50.00"}}`))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	d := got.all()[0]
	assert.Equal(t, EnvelopeOffer, d.Type)
	assert.Equal(t, int64(1), d.Offer.ID)
	assert.Equal(t, ChannelOpen, tr.State())
}

func TestTransport_Send(t *testing.T) {
	cs := newChatServer(t)
	tr, _ := newTestTransport(t, cs)
	ctx := context.Background()

	err := tr.Send(ctx, 42, EncodeMessage("before open", 10))
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = tr.Connect(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, 42, EncodeMessage("hello", 10)))

	err = tr.Send(ctx, 7, EncodeMessage("wrong conversation", 10))
	require.ErrorIs(t, err, ErrNotConnected)

	require.Eventually(t, func() bool { return len(cs.frames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f := cs.frames()[0]
	assert.Equal(t, int64(42), f.conversationID)

	var env map[string]any
	require.NoError(t, json.Unmarshal(f.data, &env))
	assert.Equal(t, "message", env["type"])
	assert.Equal(t, "hello", env["message"])
	assert.Equal(t, float64(10), env["sender_id"])

	tr.Disconnect()
	require.ErrorIs(t, tr.Send(ctx, 42, EncodeMessage("after close", 10)), ErrNotConnected)
}

func TestTransport_RemoteCloseDoesNotReconnect(t *testing.T) {
	cs := newChatServer(t)
	tr, _ := newTestTransport(t, cs)

	_, err := tr.Connect(context.Background(), 42)
	require.NoError(t, err)
	server := cs.conn(42, 1)

	go server.Close(websocket.StatusGoingAway, "server restart")
	require.Eventually(t, func() bool { return tr.State() == ChannelClosed }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cs.dialCount())
	assert.Equal(t, ChannelClosed, tr.State())
	require.ErrorIs(t, tr.Send(context.Background(), 42, EncodeMessage("x", 1)), ErrNotConnected)

	// Reselecting opens a fresh channel.
	_, err = tr.Connect(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 2, cs.dialCount())
}

func TestTransport_DisconnectIdempotent(t *testing.T) {
	cs := newChatServer(t)
	tr, _ := newTestTransport(t, cs)

	tr.Disconnect()
	assert.Equal(t, ChannelClosed, tr.State())

	gen, err := tr.Connect(context.Background(), 42)
	require.NoError(t, err)

	tr.Disconnect()
	tr.Disconnect()
	assert.Equal(t, ChannelClosed, tr.State())
	assert.Zero(t, tr.ConversationID())
	assert.Greater(t, tr.Generation(), gen)
}

func TestTransport_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr := NewTransport(TransportConfig{Origin: srv.URL, Logger: zerolog.Nop()})
	_, err := tr.Connect(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, ChannelClosed, tr.State())
	require.ErrorIs(t, tr.Send(context.Background(), 42, EncodeMessage("x", 1)), ErrNotConnected)
}

func TestTransport_FailedDialAfterSwitchReportsSuperseded(t *testing.T) {
	cs := &chatServer{t: t, conns: map[int64][]*websocket.Conn{}}
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat/1/", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("/ws/chat/", cs.serveChannel)
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)

	tr, _ := newTestTransport(t, cs)

	first := make(chan error, 1)
	go func() {
		_, err := tr.Connect(context.Background(), 1)
		first <- err
	}()
	<-entered

	_, err := tr.Connect(context.Background(), 2)
	require.NoError(t, err)
	close(release)

	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("first connect did not return")
	}
	assert.Equal(t, ChannelOpen, tr.State())
	assert.Equal(t, int64(2), tr.ConversationID())
}

func TestTransport_BadAddressStillClosesPreviousChannel(t *testing.T) {
	cs := newChatServer(t)
	tr, _ := newTestTransport(t, cs)
	ctx := context.Background()

	gen, err := tr.Connect(ctx, 42)
	require.NoError(t, err)

	tr.origin = "ftp://wanthave.example"
	_, err = tr.Connect(ctx, 43)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSuperseded)

	assert.Equal(t, ChannelClosed, tr.State())
	assert.Greater(t, tr.Generation(), gen)
	require.ErrorIs(t, tr.Send(ctx, 42, EncodeMessage("to the old channel", 10)), ErrNotConnected)
	assert.Empty(t, cs.frames())
}
