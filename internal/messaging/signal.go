package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/recovery"
)

// Constants for the signal-cli REST bridge.
const (
	// DefaultReceiveBackoff is the initial reconnect delay for the SSE
	// stream; doubles up to MaxReceiveBackoff.
	DefaultReceiveBackoff = time.Second
	MaxReceiveBackoff     = time.Minute
)

// Opts holds configuration options for the Signal service.
type Opts struct {
	// APIURL is the base URL of the signal-cli REST API, e.g.
	// http://localhost:8080.
	APIURL string
	// Number is the registered Signal account number.
	Number string
	// HTTPClient overrides the default client; nil uses a 30s-timeout
	// client for requests (the SSE stream uses its own untimed client).
	HTTPClient *http.Client
}

// Option defines a configuration option for the Signal service.
type Option func(*Opts)

// WithAPIURL sets the signal-cli REST API base URL.
func WithAPIURL(url string) Option {
	return func(o *Opts) { o.APIURL = strings.TrimRight(url, "/") }
}

// WithNumber sets the registered Signal account number.
func WithNumber(number string) Option {
	return func(o *Opts) { o.Number = number }
}

// WithHTTPClient sets the HTTP client used for send/typing/react requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = client }
}

// SignalService implements Service against a signal-cli REST API: v2/send
// for outbound messages, the v1/receive SSE stream for inbound, and the
// v1/typing-indicator and v1/reactions endpoints.
type SignalService struct {
	apiURL   string
	number   string
	client   *http.Client
	messages chan Inbound
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSignalService creates the bridge. It does not connect yet; call Start.
func NewSignalService(opts ...Option) (*SignalService, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("signal API URL is required")
	}
	if cfg.Number == "" {
		return nil, fmt.Errorf("signal account number is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	slog.Debug("Signal service configured", "api_url", cfg.APIURL)
	return &SignalService{
		apiURL:   cfg.APIURL,
		number:   cfg.Number,
		client:   client,
		messages: make(chan Inbound, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start begins receiving messages in the background.
func (s *SignalService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	recovery.Go("signal receive loop", func() {
		defer close(s.done)
		defer close(s.messages)
		s.receiveLoop(ctx)
	})
	slog.Info("Signal service started", "number", s.number)
	return nil
}

// Stop disconnects and waits for the receive loop to exit.
func (s *SignalService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	slog.Info("Signal service stopped")
}

// Messages returns the inbound message stream.
func (s *SignalService) Messages() <-chan Inbound { return s.messages }

// SendMessage sends text to the given number via v2/send.
func (s *SignalService) SendMessage(ctx context.Context, number, text string) error {
	if number == "" {
		return models.ErrEmptyRecipient
	}
	payload := map[string]any{
		"message":    text,
		"number":     s.number,
		"recipients": []string{number},
	}
	if err := s.post(ctx, "/v2/send", payload); err != nil {
		return fmt.Errorf("sending message to %s: %w", number, err)
	}
	slog.Debug("Signal message sent", "to", number, "length", len(text))
	return nil
}

// SendTyping shows a typing indicator to the given number.
func (s *SignalService) SendTyping(ctx context.Context, number string) error {
	if number == "" {
		return models.ErrEmptyRecipient
	}
	payload := map[string]any{"recipient": number}
	return s.put(ctx, "/v1/typing-indicator/"+s.number, payload)
}

// React attaches an emoji reaction to the message the friend sent at the
// given signal timestamp.
func (s *SignalService) React(ctx context.Context, number string, timestamp int64, emoji string) error {
	if number == "" {
		return models.ErrEmptyRecipient
	}
	payload := map[string]any{
		"reaction":      emoji,
		"recipient":     number,
		"target_author": number,
		"timestamp":     timestamp,
	}
	return s.post(ctx, "/v1/reactions/"+s.number, payload)
}

func (s *SignalService) post(ctx context.Context, path string, payload any) error {
	return s.request(ctx, http.MethodPost, path, payload)
}

func (s *SignalService) put(ctx context.Context, path string, payload any) error {
	return s.request(ctx, http.MethodPut, path, payload)
}

func (s *SignalService) request(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal API %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// receiveLoop keeps the SSE stream open, reconnecting with exponential
// backoff. The backoff resets after a successfully opened stream.
func (s *SignalService) receiveLoop(ctx context.Context) {
	backoff := DefaultReceiveBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Signal receive stream dropped, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > MaxReceiveBackoff {
			backoff = MaxReceiveBackoff
		}
	}
}

func (s *SignalService) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/v1/receive/"+s.number, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open indefinitely.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal receive stream: status %d", resp.StatusCode)
	}
	slog.Debug("Signal receive stream open")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		s.handleEnvelope(data)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("signal receive stream closed")
}

// signalEnvelope is the subset of signal-cli's receive payload we consume.
type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (s *SignalService) handleEnvelope(data string) {
	var env signalEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		slog.Warn("Signal envelope unparseable", "error", err)
		return
	}
	dm := env.Envelope.DataMessage
	if dm == nil || dm.Message == "" || env.Envelope.Source == "" {
		// Receipts, typing events and reactions are ignored.
		return
	}
	timestamp := dm.Timestamp
	if timestamp == 0 {
		timestamp = env.Envelope.Timestamp
	}
	in := Inbound{
		Number: env.Envelope.Source,
		Message: models.UserMessage{
			ID:         models.MessageID(env.Envelope.Source + "/" + strconv.FormatInt(timestamp, 10)),
			Text:       dm.Message,
			Channel:    models.ChannelSignal,
			ReceivedAt: time.UnixMilli(timestamp),
		},
	}
	select {
	case s.messages <- in:
	default:
		slog.Warn("Signal inbound queue full, dropping message", "from", in.Number)
	}
}
