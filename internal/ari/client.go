// Package ari is the ARI Adapter (C1): an opaque bidirectional channel to
// the telephony platform. It issues commands over HTTP Basic Auth REST
// calls (grounded on other_examples/a9ff8ab3_edsonmartins-linktor's
// makeCallARI/getCallARI/endCallARI shape) and emits typed events read off
// a gorilla/websocket connection, reconnecting with backoff in the
// teacher's AMI-manager idiom (persistent connection, event-reader
// goroutine, reconnect loop triggered off a buffered signal channel).
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// Config holds ARI connection configuration.
type Config struct {
	URL               string // e.g. http://localhost:8088/ari
	Username          string
	Password          string
	App               string
	ReconnectInterval time.Duration
	EventBufferSize   int
}

// OriginateParams mirrors channels.originate{endpoint, app, appArgs,
// callerId?, timeout} from §6.
type OriginateParams struct {
	Endpoint string
	App      string
	AppArgs  []string
	CallerID string
	Timeout  int
}

// RecordParams mirrors bridges.record{...} from §6.
type RecordParams struct {
	Name              string
	Format            string
	IfExists          string
	MaxDurationSeconds int
	TerminateOn       string
}

// Client is the ARI Adapter. Commands suspend at I/O per §5; the event
// stream is delivered in order on Events().
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.RWMutex
	ws          *websocket.Conn
	connected   bool
	shutdown    chan struct{}
	reconnectCh chan struct{}
	events      chan Event
	wg          sync.WaitGroup
}

// NewClient constructs a Client with teacher-idiom defaults filled in.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 1000
	}
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: 30 * time.Second},
		shutdown:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
		events:      make(chan Event, cfg.EventBufferSize),
	}
}

// Events returns the channel of correlator-consumable typed events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the event websocket is currently up, for the
// control surface's /health/ready check.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Start connects the websocket event stream (ARI's Stasis application
// hand-off: "start(appName)") and begins draining it. A failed initial
// connection is returned as an ErrARIConnection error; Start does not
// end the process, and the control surface answers /start with a 500.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrARIConnection, "failed to connect to ARI event stream")
	}

	c.wg.Add(1)
	go c.reconnectLoop()

	return nil
}

// Close tears down the event stream connection and stops background
// goroutines, mirroring the teacher AMI manager's graceful-close idiom.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	close(c.shutdown)
	if c.ws != nil {
		c.ws.Close()
	}
	c.connected = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("ARI client closed gracefully")
	case <-time.After(5 * time.Second):
		logger.Warn("ARI client close timeout")
	}
}

func (c *Client) connect(ctx context.Context) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.eventReader()

	logger.WithField("app", c.cfg.App).Info("connected to ARI event stream")
	return nil
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.cfg.App)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) eventReader() {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		c.mu.RLock()
		ws := c.ws
		c.mu.RUnlock()

		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.WithError(err).Warn("ARI event stream read failed")
			select {
			case c.reconnectCh <- struct{}{}:
			default:
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			logger.WithError(err).Warn("failed to decode ARI event")
			continue
		}
		if ev.Kind == "" {
			continue
		}

		select {
		case c.events <- ev:
		case <-time.After(time.Second):
			logger.Warn("ARI event channel full, dropping event")
		}
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return
		case <-c.reconnectCh:
			logger.Info("ARI event stream reconnecting")

			c.mu.Lock()
			c.connected = false
			if c.ws != nil {
				c.ws.Close()
			}
			c.mu.Unlock()

			time.Sleep(c.cfg.ReconnectInterval)

			if err := c.connect(context.Background()); err != nil {
				logger.WithError(err).Error("ARI reconnection failed")
				select {
				case c.reconnectCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// --- command surface ---

func (c *Client) do(ctx context.Context, method, path string, params map[string]interface{}, out interface{}) error {
	endpoint := strings.TrimSuffix(c.cfg.URL, "/") + path

	var body *bytes.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrARICommand, "failed to encode ARI request body")
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrARICommand, "failed to build ARI request")
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrARICommand, "ARI request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return apperrors.New(apperrors.ErrARICommand, fmt.Sprintf("ARI %s %s returned %d: %v", method, path, resp.StatusCode, errBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(err, apperrors.ErrARICommand, "failed to decode ARI response")
		}
	}
	return nil
}

// Originate issues channels.originate.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (*Channel, error) {
	params := map[string]interface{}{
		"endpoint": p.Endpoint,
		"app":      p.App,
		"appArgs":  strings.Join(p.AppArgs, ","),
		"timeout":  p.Timeout,
	}
	if p.CallerID != "" {
		params["callerId"] = p.CallerID
	}

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels", params, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Answer issues channels.answer{channelId}.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", map[string]interface{}{}, nil)
}

// Hangup issues channels.hangup{channelId}.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// CreateBridge issues bridge.create{type:"mixing", name}.
func (c *Client) CreateBridge(ctx context.Context, name string) (*BridgeInfo, error) {
	params := map[string]interface{}{
		"type": "mixing",
		"name": name,
	}
	var b BridgeInfo
	if err := c.do(ctx, http.MethodPost, "/bridges", params, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddChannelToBridge issues bridge.addChannel{channel}.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := map[string]interface{}{"channel": channelID}
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", params, nil)
}

// DestroyBridge issues bridge.destroy().
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

// RecordBridge issues bridges.record{...}.
func (c *Client) RecordBridge(ctx context.Context, bridgeID string, p RecordParams) (*Recording, error) {
	params := map[string]interface{}{
		"name":               p.Name,
		"format":             p.Format,
		"ifExists":           p.IfExists,
		"maxDurationSeconds": p.MaxDurationSeconds,
		"terminateOn":        p.TerminateOn,
	}
	var rec Recording
	if err := c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/record", params, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StopBridgeRecording stops the live recording by name through the
// recordings API (POST /recordings/live/{name}/stop). bridgeID is not
// used, and no bridge stop-media request is sent.
func (c *Client) StopBridgeRecording(ctx context.Context, bridgeID, recordingName string) error {
	return c.do(ctx, http.MethodPost, "/recordings/live/"+recordingName+"/stop", map[string]interface{}{}, nil)
}

// StopRecording issues recordings.stop{recordingName} directly against the
// recordings API (non-bridge mode).
func (c *Client) StopRecording(ctx context.Context, recordingName string) error {
	err := c.do(ctx, http.MethodPost, "/recordings/live/"+recordingName+"/stop", map[string]interface{}{}, nil)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
		// §7: stop errors containing "not found" are swallowed.
		return nil
	}
	return err
}
