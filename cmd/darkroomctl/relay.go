package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ============================================================================
// Relay transport - HTTP client for the GPIO relay server
// ============================================================================
// The relay server is a tiny embedded HTTP box next to the enlarger:
//
//   GET /relay?gpio=N&state=on|off   switch a channel
//   GET /timer?gpio=N&duration=S     hardware-timed ON, returns sync_delay_ms
//   GET /status                      all channel states
//   GET /ping                        liveness
//
// Timed exposures are scheduled slightly in the future (sync_delay_ms) so
// the hardware switch and the client countdown can start the same instant.
//
// Delivery runs under a single wall-clock budget per command: a first
// attempt with credentials, a bare retry without them (embedded firmwares
// reset auth state after updates), and for plain switches a last-ditch
// fire-and-forget beacon. Exhausting the budget yields ErrRelayTimeout.
// ============================================================================

// RelayTransport is what the effects layer needs from the relay server.
// Satisfied by RelayClient; tests substitute a scripted double.
type RelayTransport interface {
	SetRelay(ctx context.Context, gpio int, on bool) error
	StartTimed(ctx context.Context, gpio int, seconds float64) (TimedStart, error)
	Status(ctx context.Context) (map[int]RelayChannelState, error)
	Ping(ctx context.Context) error
}

// TimedStart is the server's answer to a timed-ON request.
type TimedStart struct {
	// StartAt is the wall-clock instant the relay will switch on, derived
	// from the server-reported scheduling delay.
	StartAt  time.Time
	Duration time.Duration
}

// RelayClient is the production RelayTransport.
type RelayClient struct {
	baseURL  string
	username string
	password string
	budget   time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewRelayClient validates the base URL and builds a client. No connection
// is established here; the server may well be asleep until the first
// exposure.
func NewRelayClient(baseURL, username, password string, budgetMS int, logger *slog.Logger) (*RelayClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: relay url scheme %q", ErrInvalidConfig, u.Scheme)
	}

	budget := time.Duration(budgetMS) * time.Millisecond
	if budget <= 0 {
		budget = defaultRelayTimeoutMS * time.Millisecond
	}

	return &RelayClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		budget:   budget,
		client:   &http.Client{Timeout: budget},
		logger:   logger,
	}, nil
}

type relaySetResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	GPIO   int    `json:"gpio"`
	State  string `json:"state"`
	Name   string `json:"name"`
}

type relayTimerResponse struct {
	Status      string  `json:"status"`
	Error       string  `json:"error"`
	GPIO        int     `json:"gpio"`
	Duration    float64 `json:"duration"`
	SyncDelayMS int     `json:"sync_delay_ms"`
}

type relayStatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Relays map[string]struct {
		Name  string `json:"name"`
		State bool   `json:"state"`
	} `json:"relays"`
}

// SetRelay switches one channel.
func (c *RelayClient) SetRelay(ctx context.Context, gpio int, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	q := url.Values{}
	q.Set("gpio", strconv.Itoa(gpio))
	q.Set("state", state)

	body, err := c.get(ctx, "/relay", q)
	if err != nil {
		// Best effort: the switch matters more than the confirmation. A
		// dropped restore beacon is still reported as a failure upstream.
		c.beacon("/relay", q)
		return err
	}

	var resp relaySetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	if resp.Status != "success" {
		return fmt.Errorf("%w: %s", ErrRelayRejected, resp.Error)
	}
	return nil
}

// StartTimed asks the server to run a channel for a fixed duration on its
// own hardware timer.
func (c *RelayClient) StartTimed(ctx context.Context, gpio int, seconds float64) (TimedStart, error) {
	q := url.Values{}
	q.Set("gpio", strconv.Itoa(gpio))
	q.Set("duration", strconv.FormatFloat(seconds, 'f', 3, 64))

	body, err := c.get(ctx, "/timer", q)
	if err != nil {
		return TimedStart{}, err
	}

	var resp relayTimerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return TimedStart{}, fmt.Errorf("decode timer response: %w", err)
	}
	if resp.Status != "success" {
		return TimedStart{}, fmt.Errorf("%w: %s", ErrRelayRejected, resp.Error)
	}

	delay := time.Duration(resp.SyncDelayMS) * time.Millisecond
	if resp.SyncDelayMS <= 0 {
		delay = syncDelayMS * time.Millisecond
	}
	return TimedStart{
		StartAt:  time.Now().Add(delay),
		Duration: secondsToDuration(resp.Duration),
	}, nil
}

// Status queries all channel states.
func (c *RelayClient) Status(ctx context.Context) (map[int]RelayChannelState, error) {
	body, err := c.get(ctx, "/status", nil)
	if err != nil {
		return nil, err
	}

	var resp relayStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrRelayRejected, resp.Error)
	}

	out := make(map[int]RelayChannelState, len(resp.Relays))
	for k, v := range resp.Relays {
		gpio, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[gpio] = RelayChannelState{Name: v.Name, On: v.State}
	}
	return out, nil
}

// Ping checks server liveness.
func (c *RelayClient) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/ping", nil)
	return err
}

// get runs one request under the delivery budget: authenticated first, then
// a bare retry. Context cancellation surfaces as ErrRelayTimeout.
func (c *RelayClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	body, err := c.doOnce(ctx, path, q, true)
	if err == nil {
		return body, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRelayTimeout, path, err)
	}

	if c.username != "" {
		c.logger.Debug("relay retrying without credentials", "path", path, "error", err)
		body, retryErr := c.doOnce(ctx, path, q, false)
		if retryErr == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRelayTimeout, path, retryErr)
		}
		return nil, retryErr
	}
	return nil, err
}

func (c *RelayClient) doOnce(ctx context.Context, path string, q url.Values, withAuth bool) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	if withAuth && c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("%w: http %d: %s", ErrRelayRejected, resp.StatusCode, string(body))
	}
	return body, nil
}

// beacon fires one request without waiting for the response body. Used only
// as a last resort after the budgeted attempts failed, on the theory that a
// half-dead server may still flip the pin even when it can't answer.
func (c *RelayClient) beacon(path string, q url.Values) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Debug("relay beacon failed", "path", path, "error", err)
			return
		}
		_ = resp.Body.Close()
	}()
}
