// Package telegram delivers relay messages to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"liverelay/internal/relay"
	logx "liverelay/pkg/logx"
)

// MaxMessageUnits is Telegram's sendMessage text limit, in UTF-16 code units.
const MaxMessageUnits = 4096

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
	// RatePerSec throttles sends across all chats.
	RatePerSec int
	// Timeout bounds one HTTP call to the Bot API.
	Timeout time.Duration
	// Offline skips the getMe token check at construction.
	Offline bool
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sink implements relay.Sink over the Telegram Bot API.
type Sink struct {
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter
}

var _ relay.Sink = (*Sink)(nil)

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if !cfg.Offline && b.Me != nil {
		log.Info("bot ready", logx.String("username", b.Me.Username))
	}
	return newSink(b, cfg.RatePerSec, log), nil
}

func newSink(bot sender, ratePerSec int, log logx.Logger) *Sink {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	return &Sink{
		log:     log,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// Deliver sends text to chat, split into several messages when it exceeds
// MaxMessageUnits. Retryable failures are wrapped with relay.Transient.
func (s *Sink) Deliver(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range Split(text, MaxMessageUnits) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return Classify(err)
		}
	}
	return nil
}

// Classify wraps network-class and server-side failures as transient.
// Client errors (bad request, bot blocked, chat not found) are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return relay.Transient(err)
	}
	if code := apiCode(err); code == http.StatusTooManyRequests || code >= 500 {
		return relay.Transient(err)
	}
	// Flood control errors carry the retry hint only in their text.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "too many requests") || strings.Contains(msg, "retry after") {
		return relay.Transient(err)
	}
	return err
}

// telebot reports unknown API errors as "telegram: <description> (<code>)".
var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

func apiCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		return te.Code
	}
	if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

// Split cuts text into chunks of at most limit UTF-16 code units, the unit
// Telegram counts in, preferring line breaks. Lines longer than limit are
// cut mid-line on rune boundaries. Joining the chunks with "\n" restores
// text, except that a chunk made only of empty lines is not sent.
func Split(text string, limit int) []string {
	if limit <= 0 || utf16Len(text) <= limit {
		return []string{text}
	}
	var (
		out  []string
		cur  strings.Builder
		n    int
		open bool // cur holds at least one line, possibly empty
	)
	flush := func() {
		if open && cur.Len() > 0 {
			out = append(out, cur.String())
		}
		cur.Reset()
		n, open = 0, false
	}
	for _, line := range strings.Split(text, "\n") {
		for utf16Len(line) > limit {
			flush()
			head, rest := cutUnits(line, limit)
			out = append(out, head)
			line = rest
		}
		need := utf16Len(line)
		if open {
			need++ // newline separator
		}
		if n+need > limit {
			flush()
			need = utf16Len(line)
		}
		if open {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
		n += need
		open = true
	}
	flush()
	return out
}

// cutUnits splits s after at most limit UTF-16 units, never inside a rune.
// At least one rune is always taken.
func cutUnits(s string, limit int) (string, string) {
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		if n+w > limit && i > 0 {
			return s[:i], s[i:]
		}
		n += w
	}
	return s, ""
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if w := utf16.RuneLen(r); w > 0 {
			n += w
		} else {
			n++
		}
	}
	return n
}
