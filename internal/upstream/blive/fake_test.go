package blive

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeLive serves the HTTP API and the danmaku websocket from one server.
type fakeLive struct {
	srv *httptest.Server

	realRoom  int64
	token     string
	navCode   int
	mid       int64
	authCode  int
	refuseSub bool
	onAuth    func(ws *websocket.Conn)

	navFailures atomic.Int32
	navCalls    atomic.Int32
	dials       atomic.Int32

	mu    sync.Mutex
	auths []authBody
}

func newFakeLive(t *testing.T) *fakeLive {
	t.Helper()
	f := &fakeLive{realRoom: 5000, token: "tok", mid: 77}
	mux := http.NewServeMux()
	mux.HandleFunc("/room/v1/Room/room_init", f.roomInit)
	mux.HandleFunc("/xlive/web-room/v1/index/getDanmuInfo", f.danmuInfo)
	mux.HandleFunc("/x/web-interface/nav", f.nav)
	mux.HandleFunc("/sub", f.sub)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLive) session(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("cookie", WithEndpoints(f.srv.URL, f.srv.URL))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func (f *fakeLive) authBodies() []authBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]authBody(nil), f.auths...)
}

func writeAPI(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "msg", "data": data})
}

func (f *fakeLive) roomInit(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("id") == "404" {
		writeAPI(w, 60004, nil)
		return
	}
	writeAPI(w, 0, map[string]any{"room_id": f.realRoom})
}

func (f *fakeLive) danmuInfo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("id") != strconv.FormatInt(f.realRoom, 10) {
		http.Error(w, "wrong room", http.StatusBadRequest)
		return
	}
	host, port, _ := net.SplitHostPort(f.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	writeAPI(w, 0, map[string]any{
		"token":     f.token,
		"host_list": []map[string]any{{"host": host, "ws_port": p, "wss_port": 1}},
	})
}

func (f *fakeLive) nav(w http.ResponseWriter, _ *http.Request) {
	f.navCalls.Add(1)
	if f.navFailures.Load() > 0 {
		f.navFailures.Add(-1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if f.navCode != 0 {
		writeAPI(w, f.navCode, nil)
		return
	}
	writeAPI(w, 0, map[string]any{"isLogin": true, "mid": f.mid})
}

var upgrader = websocket.Upgrader{}

func (f *fakeLive) sub(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)
	if f.refuseSub {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	pkts, err := Decode(data)
	if err != nil || len(pkts) != 1 || pkts[0].Op != OpAuth {
		return
	}
	var ab authBody
	if json.Unmarshal(pkts[0].Body, &ab) != nil {
		return
	}
	f.mu.Lock()
	f.auths = append(f.auths, ab)
	f.mu.Unlock()

	reply := Encode(OpAuthReply, []byte(fmt.Sprintf(`{"code":%d}`, f.authCode)))
	if ws.WriteMessage(websocket.BinaryMessage, reply) != nil || f.authCode != 0 {
		return
	}
	if f.onAuth != nil {
		f.onAuth(ws)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		pkts, _ := Decode(data)
		for _, p := range pkts {
			if p.Op == OpHeartbeat {
				_ = ws.WriteMessage(websocket.BinaryMessage, Encode(OpHeartbeatReply, []byte{0, 0, 0, 7}))
			}
		}
	}
}
