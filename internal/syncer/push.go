package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/taskmirror/taskmirror/internal/errors"
	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/store"
)

const (
	// pingAfter is how long the connection may sit idle before the
	// client sends a ping.
	pingAfter = 10 * time.Second

	// disconnectAfter is how long the connection may sit idle before it
	// is considered dead and closed for reconnect.
	disconnectAfter = 120 * time.Second

	// heartbeatCheckAt is the tick interval for idle checks.
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// wsReadLimit bounds a single push frame. Push payloads are deltas,
	// never full collections, so 4MB leaves generous headroom.
	wsReadLimit = 4 * 1024 * 1024

	// inboundChanSize is the buffer for the channel carrying frames
	// from the reader goroutine to the event loop.
	inboundChanSize = 64

	// jitterDivisor controls the random jitter added to reconnect
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied after each consecutive reconnect failure.
	reconnectBackoffMultiplier = 2
)

// wsConn abstracts the WebSocket connection so PushChannel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// initMessage is the handshake the client sends after dialing. Version
// carries the persisted cursor so the server replays missed deltas
// instead of forcing a full refetch.
type initMessage struct {
	Op      string         `json:"op"`
	Token   string         `json:"token"`
	Account string         `json:"account"`
	Device  string         `json:"device"`
	Version models.Version `json:"version"`
	Initial bool           `json:"initial"`
}

type initResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// readyMessage signals the end of the server's catch-up replay.
type readyMessage struct {
	Op      string         `json:"op"`
	Version models.Version `json:"version"`
}

// Handler consumes normalized push events.
type Handler func(ctx context.Context, ev models.Event)

// PushConfig holds the parameters needed to connect to the push server.
type PushConfig struct {
	Host    string
	Token   string
	Account string
	Device  string
	Initial bool

	// Clock supplies the version token for the reconnect handshake.
	Clock *store.VersionClock

	Handler Handler
}

// PushChannel maintains the websocket subscription that delivers
// version-stamped deltas. A reader goroutine feeds frames to a single
// event loop; the loop owns all writes, so no write mutex is needed.
type PushChannel struct {
	conn   wsConn
	logger *slog.Logger

	host    string
	token   string
	account string
	device  string
	initial bool

	clock   *store.VersionClock
	handler Handler

	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel stops the reader goroutine when the connection drops
	// before reconnecting.
	connCancel context.CancelFunc
}

// NewPushChannel creates a push channel client from the given config.
func NewPushChannel(cfg PushConfig, logger *slog.Logger) *PushChannel {
	return &PushChannel{
		logger:  logger,
		host:    cfg.Host,
		token:   cfg.Token,
		account: cfg.Account,
		device:  cfg.Device,
		initial: cfg.Initial,
		clock:   cfg.Clock,
		handler: cfg.Handler,
	}
}

// Connect dials the WebSocket, sends init, and waits for auth
// confirmation.
func (p *PushChannel) Connect(ctx context.Context) error {
	if p.connCancel != nil {
		p.connCancel()
	}

	url := "wss://" + p.host + "/sync"
	p.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"taskmirror/1"},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return p.handshake(ctx, conn)
}

// handshake performs the post-dial init/auth sequence. Extracted from
// Connect so the auth logic can be tested with a mock wsConn.
func (p *PushChannel) handshake(ctx context.Context, conn wsConn) error {
	p.conn = conn
	p.conn.SetReadLimit(wsReadLimit)
	p.touchLastMessage()

	init := initMessage{
		Op:      "init",
		Token:   p.token,
		Account: p.account,
		Device:  p.device,
		Version: p.clock.Current(),
		Initial: p.initial,
	}

	if err := p.writeJSON(ctx, init); err != nil {
		p.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	var resp initResponse
	if err := p.readJSON(ctx, &resp); err != nil {
		p.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		p.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, msg)
	}

	p.logger.Info("push channel authenticated", slog.String("account", p.account))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The channel is captured by value so a reader from an
// old connection cannot send stale frames into a new channel.
func (p *PushChannel) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	p.inboundCh = ch
	conn := p.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. Returns only on
// permanent errors or context cancellation.
func (p *PushChannel) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	p.connCancel = connCancel
	p.startReader(connCtx)

	for {
		err := p.eventLoop(ctx, connCtx)

		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		p.logger.Warn("push channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := p.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			p.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		p.connCancel = connCancel
		p.startReader(connCtx)

		backoff = reconnectMin

		p.logger.Info("push channel reconnected")
	}
}

// eventLoop processes inbound frames and heartbeat ticks for one
// connection. Returns on read error or context cancellation.
func (p *PushChannel) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			p.touchLastMessage()

			if msg.typ != websocket.MessageText {
				p.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			p.handleFrame(ctx, msg.data)

		case <-ticker.C:
			p.lastMsgMu.Lock()
			elapsed := time.Since(p.lastMessage)
			p.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				p.logger.Warn("push channel timed out, closing")
				p.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := p.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleFrame decodes one text frame and dispatches it. Frames that do
// not parse are skipped: a malformed frame must not kill the channel.
func (p *PushChannel) handleFrame(ctx context.Context, data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "ready":
		var ready readyMessage
		if err := json.Unmarshal(data, &ready); err != nil {
			p.logger.Warn("failed to decode ready frame", slog.String("error", err.Error()))
			return
		}

		p.initial = false
		p.logger.Info("server ready", slog.String("version", string(ready.Version)))

		// A ready with a moved version and no delta forces the router
		// down the full-refetch path.
		p.handler(ctx, models.Event{Version: ready.Version})

	case "sync":
		ev, err := models.DecodeEvent(data)
		if err != nil {
			p.logger.Warn("failed to decode sync frame", slog.String("error", err.Error()))
			return
		}

		p.logger.Debug("push event",
			slog.String("version", string(ev.Version)),
			slog.Int("changes", len(ev.Changes)),
		)

		p.handler(ctx, ev)

	default:
		p.logger.Debug("unexpected frame", slog.String("op", op))
	}
}

// isPermanentError reports whether reconnecting cannot help: a rejected
// token stays rejected.
func isPermanentError(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) ||
		websocket.CloseStatus(err) == websocket.StatusPolicyViolation ||
		errors.Is(err, apperrors.ErrAuthFailed))
}

func (p *PushChannel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return p.conn.Write(ctx, websocket.MessageText, data)
}

func (p *PushChannel) readJSON(ctx context.Context, v any) error {
	typ, data, err := p.conn.Read(ctx)
	if err != nil {
		return err
	}

	p.touchLastMessage()

	if typ != websocket.MessageText {
		return fmt.Errorf("unexpected %v frame", typ)
	}

	return json.Unmarshal(data, v)
}

func (p *PushChannel) touchLastMessage() {
	p.lastMsgMu.Lock()
	p.lastMessage = time.Now()
	p.lastMsgMu.Unlock()
}
