package blive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLiveAPI = "https://api.live.bilibili.com"
	DefaultMainAPI = "https://api.bilibili.com"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
)

var ErrAPI = errors.New("blive: api error")

// codeNotLoggedIn is returned by the nav endpoint for anonymous cookies.
const codeNotLoggedIn = -101

type apiError struct {
	path string
	code int
	msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%v: %s: code %d: %s", ErrAPI, e.path, e.code, e.msg)
}

func (e *apiError) Unwrap() error { return ErrAPI }

// Session is the HTTP session shared by every room connection.
// It carries the SESSDATA login cookie.
type Session struct {
	http    *http.Client
	liveAPI string
	mainAPI string

	uidMu       sync.Mutex
	uidResolved bool
	uid         int64

	closeOnce sync.Once
}

type SessionOption func(*Session)

// WithEndpoints overrides the API base URLs.
func WithEndpoints(liveAPI, mainAPI string) SessionOption {
	return func(s *Session) {
		if liveAPI != "" {
			s.liveAPI = strings.TrimRight(liveAPI, "/")
		}
		if mainAPI != "" {
			s.mainAPI = strings.TrimRight(mainAPI, "/")
		}
	}
}

func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.http.Timeout = d
		}
	}
}

func NewSession(sessdata string, opts ...SessionOption) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	home, _ := url.Parse("https://bilibili.com/")
	jar.SetCookies(home, []*http.Cookie{{
		Name:   "SESSDATA",
		Value:  sessdata,
		Domain: "bilibili.com",
		Path:   "/",
	}})
	s := &Session{
		http:    &http.Client{Jar: jar, Timeout: 15 * time.Second},
		liveAPI: DefaultLiveAPI,
		mainAPI: DefaultMainAPI,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases pooled connections. Only the first call has an effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.http.CloseIdleConnections()
	})
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (s *Session) getJSON(ctx context.Context, rawURL string, q url.Values, out any) error {
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://live.bilibili.com/")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s: http %d", ErrAPI, req.URL.Path, resp.StatusCode)
	}

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAPI, req.URL.Path, err)
	}
	if ar.Code != 0 {
		msg := ar.Message
		if msg == "" {
			msg = ar.Msg
		}
		return &apiError{path: req.URL.Path, code: ar.Code, msg: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(ar.Data, out)
}

// ResolveRoom maps a short room id to the real one.
func (s *Session) ResolveRoom(ctx context.Context, id int64) (int64, error) {
	var d struct {
		RoomID int64 `json:"room_id"`
	}
	q := url.Values{"id": {strconv.FormatInt(id, 10)}}
	if err := s.getJSON(ctx, s.liveAPI+"/room/v1/Room/room_init", q, &d); err != nil {
		return 0, err
	}
	if d.RoomID == 0 {
		return id, nil
	}
	return d.RoomID, nil
}

type Host struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WSPort  int    `json:"ws_port"`
	WSSPort int    `json:"wss_port"`
}

type DanmuInfo struct {
	Token    string `json:"token"`
	HostList []Host `json:"host_list"`
}

// DanmuInfo fetches the websocket token and servers for room.
func (s *Session) DanmuInfo(ctx context.Context, room int64) (DanmuInfo, error) {
	var d DanmuInfo
	q := url.Values{"id": {strconv.FormatInt(room, 10)}, "type": {"0"}}
	err := s.getJSON(ctx, s.liveAPI+"/xlive/web-room/v1/index/getDanmuInfo", q, &d)
	return d, err
}

// UID returns the logged-in user id, or 0 when the cookie is not logged in.
// A resolved answer is kept for the session; failed lookups are retried on
// the next call.
func (s *Session) UID(ctx context.Context) (int64, error) {
	s.uidMu.Lock()
	defer s.uidMu.Unlock()
	if s.uidResolved {
		return s.uid, nil
	}
	var d struct {
		IsLogin bool  `json:"isLogin"`
		Mid     int64 `json:"mid"`
	}
	err := s.getJSON(ctx, s.mainAPI+"/x/web-interface/nav", nil, &d)
	var ae *apiError
	switch {
	case errors.As(err, &ae) && ae.code == codeNotLoggedIn:
	case err != nil:
		return 0, err
	case d.IsLogin:
		s.uid = d.Mid
	}
	s.uidResolved = true
	return s.uid, nil
}
