package link

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/itohio/gardenagent/pkg/clock"
)

// Status is the composite of WiFi association and backend reachability.
type Status int

const (
	WiFiDown Status = iota
	BackendUnknown
	BackendOK
	BackendDegraded
)

func (s Status) String() string {
	switch s {
	case WiFiDown:
		return "WIFI_DOWN"
	case BackendUnknown:
		return "WIFI_UP_BACKEND_UNKNOWN"
	case BackendOK:
		return "BACKEND_OK"
	case BackendDegraded:
		return "BACKEND_DEGRADED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

const maxResponseBytes = 64 << 10

// Options configures a Link.
type Options struct {
	BaseURL           string
	AnonKey           string
	SSID              string
	Password          string
	Timeout           time.Duration // Per-call deadline
	ReconnectInterval time.Duration // Backoff base; the ceiling is 8x
	ProbeInterval     time.Duration // Open breaker wait before the next probe
	MaxFailures       int           // Consecutive transient failures that open the breaker
	Client            *http.Client
}

// Response is a successful backend response.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Link owns WiFi association and the HTTPS session to the backend. It is
// driven from the main loop only.
type Link struct {
	radio  Radio
	clk    clock.Clock
	log    *slog.Logger
	opts   Options
	client *http.Client

	bo          *backoff.ExponentialBackOff
	nextAttempt int64
	wasUp       bool

	cb        *gobreaker.CircuitBreaker
	reachable bool
	lastErr   error

	base   context.Context
	cancel context.CancelFunc
}

// New creates a link. Zero option values take the defaults of the firmware template.
func New(radio Radio, clk clock.Clock, opts Options, log *slog.Logger) *Link {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 30 * time.Second
	}
	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 3
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.ReconnectInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 8 * opts.ReconnectInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	l := &Link{
		radio:  radio,
		clk:    clk,
		log:    log,
		opts:   opts,
		client: opts.Client,
		bo:     bo,
	}
	l.base, l.cancel = context.WithCancel(context.Background())

	maxFailures := uint32(opts.MaxFailures)
	l.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     opts.ProbeInterval,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("breaker", "from", from.String(), "to", to.String())
		},
	})

	return l
}

// EnsureConnected associates with the access point when needed and the
// reconnect backoff allows it, then returns the current status.
func (l *Link) EnsureConnected(ctx context.Context) Status {
	if l.base.Err() != nil {
		return WiFiDown
	}

	if l.radio.Associated() {
		l.markUp()
		return l.Status()
	}
	l.markDown()

	now := l.clk.Now()
	if now < l.nextAttempt {
		return WiFiDown
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(l.base, cancel)
	defer stop()

	if err := l.radio.Associate(ctx, l.opts.SSID, l.opts.Password); err != nil {
		wait := l.bo.NextBackOff()
		l.nextAttempt = now + wait.Milliseconds()
		l.log.Warn("wifi_associate", "ssid", l.opts.SSID, "retry_in", wait.String(), "err", err)
		return WiFiDown
	}

	l.markUp()
	l.log.Info("wifi_up", "ssid", l.opts.SSID, "rssi", l.radio.RSSI())
	return l.Status()
}

func (l *Link) markUp() {
	if l.wasUp {
		return
	}
	l.wasUp = true
	l.bo.Reset()
	l.nextAttempt = 0
}

func (l *Link) markDown() {
	if !l.wasUp {
		return
	}
	l.wasUp = false
	l.reachable = false
	l.log.Warn("wifi_down")
}

// NextAttempt returns the boot time of the next permitted association attempt.
func (l *Link) NextAttempt() int64 {
	return l.nextAttempt
}

// Status returns the current link status without touching the network.
func (l *Link) Status() Status {
	if l.base.Err() != nil || !l.radio.Associated() {
		return WiFiDown
	}
	switch l.cb.State() {
	case gobreaker.StateOpen:
		return BackendDegraded
	case gobreaker.StateHalfOpen:
		return BackendUnknown
	}
	if l.reachable {
		return BackendOK
	}
	return BackendUnknown
}

// RSSI returns the radio signal strength in dBm.
func (l *Link) RSSI() int {
	return l.radio.RSSI()
}

// LastError returns the most recent backend failure, or nil after a success.
func (l *Link) LastError() error {
	return l.lastErr
}

// Get issues a GET request.
func (l *Link) Get(ctx context.Context, path string) (*Response, error) {
	return l.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (l *Link) Post(ctx context.Context, path string, body any) (*Response, error) {
	return l.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (l *Link) Put(ctx context.Context, path string, body any) (*Response, error) {
	return l.Do(ctx, http.MethodPut, path, body)
}

// Do performs one backend call under the per-call deadline and the breaker.
// body may be nil, a []byte holding JSON, or a value to marshal.
func (l *Link) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	op := method + " " + path

	if l.base.Err() != nil {
		return nil, &Error{Op: op, Kind: Permanent, Err: ErrShutdown}
	}

	payload, err := encode(body)
	if err != nil {
		return nil, &Error{Op: op, Kind: Permanent, Err: err}
	}

	res, err := l.cb.Execute(func() (interface{}, error) {
		return l.roundTrip(ctx, op, method, path, payload)
	})
	if err != nil {
		if IsBreakerOpen(err) {
			err = &Error{Op: op, Kind: Transient, Err: err}
		}
		l.lastErr = err
		if !IsPermanent(err) {
			l.reachable = false
		}
		return nil, err
	}

	l.lastErr = nil
	l.reachable = true
	return res.(*Response), nil
}

func (l *Link) roundTrip(ctx context.Context, op, method, path string, payload []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(l.base, cancel)
	defer stop()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.opts.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Kind: Permanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+l.opts.AnonKey)
	req.Header.Set("apikey", l.opts.AnonKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if l.base.Err() != nil {
			err = errors.Join(ErrShutdown, err)
		}
		return nil, &Error{Op: op, Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, Kind: Transient, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Op:     op,
			Kind:   classify(resp.StatusCode),
			Status: resp.StatusCode,
			Body:   truncate(string(data), 200),
		}
	}

	return &Response{Status: resp.StatusCode, Body: data}, nil
}

// Shutdown cancels in-flight calls, closes idle connections and rejects further calls.
func (l *Link) Shutdown() {
	l.cancel()
	l.client.CloseIdleConnections()
}

func encode(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		return data, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
