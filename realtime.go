package wanthave

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Channel state
// ============================================================================

// ChannelState is the lifecycle state of the live channel.
type ChannelState string

const (
	ChannelClosed     ChannelState = "closed"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
)

// Delivery is one decoded inbound event, tagged with the generation of the
// channel that received it and the conversation that channel was bound to.
type Delivery struct {
	Generation     uint64
	ConversationID int64
	Inbound
}

// ChannelURL derives the channel endpoint for a conversation from the page
// origin: https maps to wss, http to ws.
func ChannelURL(origin string, conversationID int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	u.Path = fmt.Sprintf("/ws/chat/%d/", conversationID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ============================================================================
// Transport
// ============================================================================

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Origin is the page origin the channel address is derived from.
	Origin     string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Transport owns at most one open channel, bound to one conversation. Every
// Connect or Disconnect bumps a generation counter; frames read by a channel
// whose generation is no longer current are dropped before they reach the
// handler.
//
// There is no reconnect loop: after an error or remote close the channel stays
// closed until the next Connect.
type Transport struct {
	origin     string
	token      string
	httpClient *http.Client
	log        zerolog.Logger

	// dispatchMu serialises handler calls against generation bumps, so once
	// Connect or Disconnect returns no stale handler call is in flight.
	dispatchMu sync.Mutex

	mu             sync.Mutex
	state          ChannelState
	generation     uint64
	conversationID int64
	conn           *websocket.Conn
	cancelFn       context.CancelFunc

	handler func(Delivery)
	onState []func(ChannelState, uint64)
}

// NewTransport creates a closed transport.
func NewTransport(cfg TransportConfig) *Transport {
	return &Transport{
		origin:     cfg.Origin,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger.With().Str("component", "transport").Logger(),
		state:      ChannelClosed,
	}
}

// OnDelivery sets the handler for decoded inbound events. It is called from the
// channel's read goroutine, one event at a time, in arrival order. The handler
// must not call Connect or Disconnect.
func (t *Transport) OnDelivery(h func(Delivery)) {
	t.dispatchMu.Lock()
	t.handler = h
	t.dispatchMu.Unlock()
}

// OnStateChange registers a handler for channel state transitions.
func (t *Transport) OnStateChange(h func(state ChannelState, generation uint64)) {
	t.mu.Lock()
	t.onState = append(t.onState, h)
	t.mu.Unlock()
}

// State returns the current channel state.
func (t *Transport) State() ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Generation returns the current generation.
func (t *Transport) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// ConversationID returns the conversation the channel is bound to, or zero.
func (t *Transport) ConversationID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Connect closes any open channel and opens a new one bound to conversationID.
// The previous channel is closed even when the new one cannot be opened. The
// returned generation identifies this attempt even when an error is returned;
// ErrSuperseded means a later Connect or Disconnect took over while dialing.
func (t *Transport) Connect(ctx context.Context, conversationID int64) (uint64, error) {
	t.dispatchMu.Lock()
	t.mu.Lock()
	t.generation++
	gen := t.generation
	old, oldCancel := t.conn, t.cancelFn
	t.conn, t.cancelFn = nil, nil
	t.conversationID = conversationID
	hooks := t.setStateLocked(ChannelConnecting)
	t.mu.Unlock()
	t.dispatchMu.Unlock()

	closeConn(old, oldCancel, "switching conversation")
	notify(hooks, ChannelConnecting, gen)
	t.log.Debug().Uint64("generation", gen).Int64("conversation_id", conversationID).Msg("channel connecting")

	wsURL, err := ChannelURL(t.origin, conversationID)
	if err == nil {
		var conn *websocket.Conn
		conn, _, err = websocket.Dial(ctx, wsURL, t.dialOptions())
		if err == nil {
			return t.open(conn, gen, conversationID)
		}
		err = fmt.Errorf("websocket dial: %w", err)
	}

	t.mu.Lock()
	current := t.generation == gen
	hooks = nil
	if current {
		hooks = t.setStateLocked(ChannelClosed)
	}
	t.mu.Unlock()
	if !current {
		t.log.Debug().Err(err).Uint64("generation", gen).Msg("superseded channel failed to open")
		return gen, ErrSuperseded
	}
	notify(hooks, ChannelClosed, gen)
	t.log.Warn().Err(err).Uint64("generation", gen).Msg("channel failed to open")
	return gen, err
}

// open installs a dialed connection unless a later Connect or Disconnect has
// taken over, and starts its read loop.
func (t *Transport) open(conn *websocket.Conn, gen uint64, conversationID int64) (uint64, error) {
	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return gen, ErrSuperseded
	}
	readCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancelFn = cancel
	hooks := t.setStateLocked(ChannelOpen)
	t.mu.Unlock()

	notify(hooks, ChannelOpen, gen)
	t.log.Debug().Uint64("generation", gen).Msg("channel open")

	go t.readLoop(readCtx, conn, gen, conversationID)
	return gen, nil
}

// Disconnect tears down the channel. It is idempotent.
func (t *Transport) Disconnect() {
	t.dispatchMu.Lock()
	t.mu.Lock()
	t.generation++
	gen := t.generation
	conn, cancel := t.conn, t.cancelFn
	t.conn, t.cancelFn = nil, nil
	t.conversationID = 0
	var hooks []func(ChannelState, uint64)
	if t.state != ChannelClosed {
		hooks = t.setStateLocked(ChannelClosed)
	}
	t.mu.Unlock()
	t.dispatchMu.Unlock()

	closeConn(conn, cancel, "client disconnect")
	notify(hooks, ChannelClosed, gen)
}

// Send writes an envelope to the channel bound to conversationID. When the
// channel is not open, or is bound elsewhere, nothing is sent: the failure is
// logged and ErrNotConnected returned. Delivery is never guaranteed.
func (t *Transport) Send(ctx context.Context, conversationID int64, env Envelope) error {
	t.mu.Lock()
	conn, state, bound, gen := t.conn, t.state, t.conversationID, t.generation
	t.mu.Unlock()

	if state != ChannelOpen || conn == nil || bound != conversationID {
		t.log.Warn().
			Str("state", string(state)).
			Int64("bound", bound).
			Int64("conversation_id", conversationID).
			Str("type", string(env.Type)).
			Msg("channel not open, envelope not sent")
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.log.Warn().Err(err).Uint64("generation", gen).Msg("channel write failed")
		return fmt.Errorf("channel write: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, conversationID int64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			var hooks []func(ChannelState, uint64)
			current := t.generation == gen
			if current {
				t.conn = nil
				if t.cancelFn != nil {
					t.cancelFn()
					t.cancelFn = nil
				}
				hooks = t.setStateLocked(ChannelClosed)
			}
			t.mu.Unlock()

			if current {
				t.log.Info().Err(err).Uint64("generation", gen).Int("status", int(websocket.CloseStatus(err))).Msg("channel closed")
				conn.Close(websocket.StatusNormalClosure, "")
			}
			notify(hooks, ChannelClosed, gen)
			return
		}
		t.deliver(gen, conversationID, data)
	}
}

func (t *Transport) deliver(gen uint64, conversationID int64, data []byte) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	if current := t.Generation(); current != gen {
		t.log.Debug().Uint64("generation", gen).Uint64("current", current).Msg("dropping stale delivery")
		return
	}

	in, err := DecodeEnvelope(data, conversationID)
	if err != nil {
		t.log.Warn().Err(err).Uint64("generation", gen).Msg("dropping envelope")
		return
	}
	if t.handler != nil {
		t.handler(Delivery{Generation: gen, ConversationID: conversationID, Inbound: in})
	}
}

func (t *Transport) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{HTTPClient: t.httpClient}
	if t.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.token}}
	}
	return opts
}

// setStateLocked updates the state and returns the hooks to notify once the
// lock is released.
func (t *Transport) setStateLocked(s ChannelState) []func(ChannelState, uint64) {
	t.state = s
	return append([]func(ChannelState, uint64){}, t.onState...)
}

func notify(hooks []func(ChannelState, uint64), s ChannelState, gen uint64) {
	for _, h := range hooks {
		h(s, gen)
	}
}

func closeConn(conn *websocket.Conn, cancel context.CancelFunc, reason string) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		go conn.Close(websocket.StatusNormalClosure, reason)
	}
}
