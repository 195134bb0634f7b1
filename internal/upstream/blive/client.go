package blive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"liverelay/internal/relay"
	logx "liverelay/pkg/logx"
)

// ErrAuth means the danmaku server rejected the auth packet.
// It is not retried.
var ErrAuth = errors.New("blive: auth rejected")

type Config struct {
	Heartbeat        time.Duration
	DialTimeout      time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	// PlainWS dials ws:// on ws_port instead of wss:// on wss_port.
	PlainWS bool
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	return c
}

// Client implements relay.Upstream on top of a Session.
type Client struct {
	sess  *Session
	cfg   Config
	log   logx.Logger
	clock clockwork.Clock
}

type ClientOption func(*Client)

func WithClock(c clockwork.Clock) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.clock = c
		}
	}
}

func NewClient(sess *Session, cfg Config, log logx.Logger, opts ...ClientOption) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		sess:  sess,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "blive")),
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open starts a background connection to room. The connection lives until
// ctx is cancelled, Close is called, auth is rejected, or reconnects are
// exhausted.
func (c *Client) Open(ctx context.Context, room int64, handle func(relay.Event)) relay.Conn {
	cctx, cancel := context.WithCancel(ctx)
	rc := &roomConn{
		c:      c,
		room:   room,
		handle: handle,
		log:    c.log.With(logx.Int64("room", room)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(rc.done)
		rc.err = rc.run(cctx)
	}()
	return rc
}

type roomConn struct {
	c      *Client
	room   int64
	handle func(relay.Event)
	log    logx.Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (rc *roomConn) Join(ctx context.Context) error {
	select {
	case <-rc.done:
		return rc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *roomConn) Close(ctx context.Context) error {
	rc.cancel()
	select {
	case <-rc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *roomConn) run(ctx context.Context) error {
	cfg := rc.c.cfg
	failures := 0
	for attempt := 0; ; attempt++ {
		authed, err := rc.connect(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuth) {
			rc.log.Error("auth rejected", logx.Err(err))
			return err
		}
		if authed {
			failures = 0
		}
		failures++
		if failures > cfg.MaxReconnects {
			return fmt.Errorf("blive: room %d: giving up after %d reconnects: %w", rc.room, cfg.MaxReconnects, err)
		}
		rc.log.Warn("connection lost; reconnecting",
			logx.Err(err),
			logx.Int("attempt", failures),
			logx.Duration("backoff", cfg.ReconnectBackoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-rc.c.clock.After(cfg.ReconnectBackoff):
		}
	}
}

type authBody struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key"`
}

// connect runs one connection to completion. authed reports whether the
// server accepted the auth packet before the connection ended.
func (rc *roomConn) connect(ctx context.Context, attempt int) (authed bool, err error) {
	cfg := rc.c.cfg
	sess := rc.c.sess

	room, err := sess.ResolveRoom(ctx, rc.room)
	if err != nil {
		return false, fmt.Errorf("resolve room: %w", err)
	}
	info, err := sess.DanmuInfo(ctx, room)
	if err != nil {
		return false, fmt.Errorf("danmu info: %w", err)
	}
	if len(info.HostList) == 0 {
		return false, fmt.Errorf("danmu info: %w: empty host list", ErrAPI)
	}
	uid, err := sess.UID(ctx)
	if err != nil {
		rc.log.Warn("uid lookup failed; connecting anonymously", logx.Err(err))
		uid = 0
	}

	addr := rc.c.wsURL(info.HostList[attempt%len(info.HostList)])
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelDial()
	hdr := http.Header{}
	hdr.Set("User-Agent", userAgent)
	ws, _, err := dialer.DialContext(dialCtx, addr, hdr)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = ws.Close() }()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}()

	var wmu sync.Mutex
	write := func(b []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(cfg.DialTimeout))
		return ws.WriteMessage(websocket.BinaryMessage, b)
	}

	body, err := json.Marshal(authBody{
		UID:      uid,
		RoomID:   room,
		ProtoVer: 2,
		Platform: "web",
		Type:     2,
		Key:      info.Token,
	})
	if err != nil {
		return false, err
	}
	if err := write(Encode(OpAuth, body)); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(cfg.DialTimeout))
	if err := rc.awaitAuth(ws); err != nil {
		return false, err
	}
	rc.log.Info("connected",
		logx.Int64("real_room", room),
		logx.String("host", addr),
		logx.Bool("anonymous", uid == 0),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rc.heartbeat(sctx, write)
	}()
	defer wg.Wait()
	defer cancel()

	return true, rc.readLoop(ws)
}

func (c *Client) wsURL(h Host) string {
	scheme, port := "wss", h.WSSPort
	if c.cfg.PlainWS {
		scheme, port = "ws", h.WSPort
	}
	if port == 0 {
		return scheme + "://" + h.Host + "/sub"
	}
	return scheme + "://" + net.JoinHostPort(h.Host, strconv.Itoa(port)) + "/sub"
}

func (rc *roomConn) awaitAuth(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth: %w", err)
		}
		pkts, err := Decode(data)
		if err != nil {
			return fmt.Errorf("await auth: %w", err)
		}
		for _, p := range pkts {
			if p.Op != OpAuthReply {
				continue
			}
			var reply struct {
				Code int `json:"code"`
			}
			if err := json.Unmarshal(p.Body, &reply); err != nil {
				return fmt.Errorf("await auth: %w", err)
			}
			if reply.Code != 0 {
				return fmt.Errorf("%w: code %d", ErrAuth, reply.Code)
			}
			return nil
		}
	}
}

func (rc *roomConn) heartbeat(ctx context.Context, write func([]byte) error) {
	hb := Encode(OpHeartbeat, nil)
	if err := write(hb); err != nil {
		return
	}
	t := rc.c.clock.NewTicker(rc.c.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if err := write(hb); err != nil {
				rc.log.Debug("heartbeat failed", logx.Err(err))
				return
			}
		}
	}
}

// readLoop dispatches packets until the socket fails. The read deadline
// allows two missed heartbeat replies.
func (rc *roomConn) readLoop(ws *websocket.Conn) error {
	idle := 2*rc.c.cfg.Heartbeat + rc.c.cfg.DialTimeout
	for {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		pkts, err := Decode(data)
		if err != nil {
			rc.log.Warn("bad frame", logx.Err(err), logx.Int("packets", len(pkts)))
		}
		for _, p := range pkts {
			rc.dispatch(p)
		}
	}
}

func (rc *roomConn) dispatch(p Packet) {
	switch p.Op {
	case OpHeartbeatReply:
		if n, ok := Popularity(p.Body); ok {
			rc.handle(relay.Popularity{Value: n})
		}
	case OpMessage:
		ev, err := DecodeCommand(p.Body)
		if err != nil {
			rc.log.Debug("undecodable command", logx.Err(err))
			return
		}
		if ev != nil {
			rc.handle(ev)
		}
	}
}
