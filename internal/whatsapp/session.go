package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convozap/convozap/internal/config"
	"github.com/convozap/convozap/internal/conversation"
)

const (
	defaultStartupDelay = time.Second
	defaultBaseBackoff  = 5 * time.Second
	defaultMaxAttempts  = 10
	backoffFactor       = 1.5
)

// Resolver maps an external channel identity to a conversation ID.
type Resolver interface {
	Resolve(ctx context.Context, externalIdentity string) (string, error)
}

// ReplyBuilder runs the context/completion pipeline for one turn.
type ReplyBuilder interface {
	BuildReply(ctx context.Context, conversationID, text string) (string, error)
}

// Sender delivers outbound texts to the gateway.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Status is the session's externally visible state.
type Status struct {
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	Initialized       bool   `json:"initialized"`
	Instance          string `json:"instance"`
}

// Session owns the websocket connection to the gateway: it connects after a
// short startup delay, relays inbound message events through the reply
// pipeline and reconnects with bounded exponential backoff when the
// transport drops.
type Session struct {
	cfg      config.WhatsAppConfig
	resolver Resolver
	builder  ReplyBuilder
	sender   Sender
	logger   *slog.Logger
	dialer   *websocket.Dialer

	startupDelay time.Duration
	baseBackoff  time.Duration
	maxAttempts  int

	mu           sync.Mutex
	conn         *websocket.Conn
	cancel       context.CancelFunc
	connected    bool
	initialized  bool
	reconnecting bool
	attempts     int
}

func NewSession(log *slog.Logger, cfg config.WhatsAppConfig, resolver Resolver, builder ReplyBuilder, sender Sender) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:          cfg,
		resolver:     resolver,
		builder:      builder,
		sender:       sender,
		logger:       log.With(slog.String("service", "whatsapp")),
		dialer:       websocket.DefaultDialer,
		startupDelay: defaultStartupDelay,
		baseBackoff:  defaultBaseBackoff,
		maxAttempts:  defaultMaxAttempts,
	}
}

// Start arms the startup delay and begins connecting. Calling it again is a
// no-op; initialization runs at most once per process.
func (s *Session) Start() {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	select {
	case <-time.After(s.startupDelay):
	case <-ctx.Done():
		return
	}

	if err := s.validate(); err != nil {
		// Not retried; a config fix requires a restart anyway.
		s.logger.Error("session initialization aborted", slog.Any("error", err))
		return
	}
	s.logger.Info("initializing gateway session", slog.String("instance", s.cfg.Instance))

	if err := s.connect(ctx); err != nil {
		s.logger.Warn("initial gateway connect failed", slog.Any("error", err))
		s.scheduleReconnect(ctx)
	}
}

func (s *Session) validate() error {
	var missing []string
	if strings.TrimSpace(s.cfg.BaseURL) == "" {
		missing = append(missing, "base_url")
	}
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(s.cfg.Instance) == "" {
		missing = append(missing, "instance")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing gateway settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	wsURL, err := s.socketURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("apikey", s.cfg.APIKey)
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.attempts = 0
	s.reconnecting = false
	s.mu.Unlock()

	s.logger.Info("gateway connected", slog.String("instance", s.cfg.Instance))
	go s.readLoop(ctx, conn)
	return nil
}

func (s *Session) socketURL() (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url scheme %q is not supported", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	query := parsed.Query()
	query.Set("instance", s.cfg.Instance)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("gateway connection lost", slog.Any("error", err))
			s.markDisconnected(conn)
			s.scheduleReconnect(ctx)
			return
		}

		switch event.Event {
		case EventMessagesUpsert, EventMessageCreate:
			msg := event.Data.First()
			if msg == nil {
				continue
			}
			// Events are independent; replies may complete out of order.
			go s.handleIncoming(ctx, msg)
		}
	}
}

func (s *Session) markDisconnected(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	conn.Close()
}

func (s *Session) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	go s.reconnectLoop(ctx)
}

func (s *Session) reconnectLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.attempts >= s.maxAttempts {
			s.reconnecting = false
			s.mu.Unlock()
			s.logger.Error("max reconnection attempts reached",
				slog.Int("attempts", s.maxAttempts),
				slog.String("instance", s.cfg.Instance))
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		delay := backoffDelay(s.baseBackoff, attempt)
		s.logger.Info("reconnecting to gateway",
			slog.Int("attempt", attempt),
			slog.Int("max", s.maxAttempts),
			slog.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if s.IsConnected() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("reconnect failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			continue
		}
		return
	}
}

// backoffDelay grows the base delay multiplicatively per prior attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt-1)))
}

func (s *Session) handleIncoming(ctx context.Context, msg *TextMessage) {
	if msg.FromMe {
		s.logger.Debug("ignoring own message")
		return
	}
	text := msg.Text()
	if text == "" {
		s.logger.Debug("no text content in message", slog.String("from", msg.From))
		return
	}

	conversationID, err := s.resolver.Resolve(ctx, msg.From)
	if err != nil {
		s.logger.Error("identity resolution failed, dropping message",
			slog.String("from", msg.From),
			slog.Any("error", err))
		return
	}

	reply, err := s.builder.BuildReply(ctx, conversationID, text)
	if err != nil {
		s.logger.Error("reply pipeline failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
		reply = conversation.FallbackReply
	}
	if err := s.sender.SendText(ctx, msg.From, reply); err != nil {
		s.logger.Error("outbound send failed",
			slog.String("to", msg.From),
			slog.Any("error", err))
	}
}

// IsConnected reports whether the websocket is currently up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// CurrentStatus snapshots the session state for the status endpoint.
func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:         s.connected,
		ReconnectAttempts: s.attempts,
		Initialized:       s.initialized,
		Instance:          s.cfg.Instance,
	}
}

// Disconnect tears the session down. Safe to call from multiple shutdown
// paths; repeated calls are no-ops.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}
