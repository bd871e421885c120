package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// Reconnect backoff bounds for the paho auto-reconnect.
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 60 * time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Topic layout. Status topics are retained so late subscribers see the last
// known state; press events are fire-and-forget.
const (
	TopicCompanionStatus = "hotkey/status/companion"
	TopicKlippyStatus    = "hotkey/status/klippy"
	TopicPressEvent      = "hotkey/event/press"
)

// Publisher errors.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Publisher mirrors companion and printer status onto an MQTT broker.
//
// It is write-only: nothing in the companion is driven from the broker, so
// no subscriptions exist and a broker outage degrades to dropped status
// messages. Reconnection is delegated to the paho auto-reconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Publisher struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected bool
	connMu    sync.RWMutex

	logger Logger
}

// pressEvent is the JSON payload published for each physical button press.
type pressEvent struct {
	MCU       string `json:"mcu"`
	ButtonID  int    `json:"button_id"`
	Timestamp string `json:"timestamp"`
}

// klippyStatus is the JSON payload published on printer state transitions.
type klippyStatus struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures Last Will and Testament (LWT) for offline detection
//  3. Sets up auto-reconnect with exponential backoff
//  4. Attempts initial connection with timeout
//  5. Publishes online status to hotkey/status/companion
//
// Parameters:
//   - cfg: MQTT configuration
//   - logger: Logger; nil disables logging
//
// Returns:
//   - *Publisher: Connected publisher ready for use
//   - error: If initial connection fails within timeout
func Connect(cfg config.MQTTConfig, logger Logger) (*Publisher, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	p := &Publisher{
		cfg:    cfg,
		logger: logger,
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.handleDisconnect(err)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// Set connected state immediately after successful connection.
	// The OnConnectHandler callback runs asynchronously and may not have
	// executed yet, so we set it here to ensure IsConnected() returns true.
	p.connMu.Lock()
	p.connected = true
	p.connMu.Unlock()

	return p, nil
}

// handleConnect is called when the connection is established.
func (p *Publisher) handleConnect() {
	p.connMu.Lock()
	p.connected = true
	p.connMu.Unlock()

	payload := buildOnlinePayload(p.cfg.Broker.ClientID)
	p.client.Publish(TopicCompanionStatus, byte(p.cfg.QoS), true, payload)
}

// handleDisconnect is called when the connection is lost.
func (p *Publisher) handleDisconnect(err error) {
	p.connMu.Lock()
	p.connected = false
	p.connMu.Unlock()

	if p.logger != nil {
		p.logger.Warn("mqtt connection lost", "error", err)
	}
}

// PublishKlippyState publishes a printer state transition, retained.
//
// Returns:
//   - error: ErrNotConnected if the broker is unreachable
func (p *Publisher) PublishKlippyState(state string) error {
	payload, err := json.Marshal(klippyStatus{
		State:     state,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling klippy status: %w", err)
	}
	return p.publish(TopicKlippyStatus, payload, true)
}

// PublishPress publishes one button press event, not retained.
//
// Returns:
//   - error: ErrNotConnected if the broker is unreachable
func (p *Publisher) PublishPress(mcu string, buttonID int) error {
	payload, err := json.Marshal(pressEvent{
		MCU:       mcu,
		ButtonID:  buttonID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling press event: %w", err)
	}
	return p.publish(TopicPressEvent, payload, false)
}

// publish sends one message without waiting for acknowledgment. Delivery
// failures degrade to a warning; status mirroring is best-effort.
func (p *Publisher) publish(topic string, payload []byte, retained bool) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, byte(p.cfg.QoS), retained, payload)
	go func() {
		token.WaitTimeout(defaultPublishTimeout)
		if err := token.Error(); err != nil && p.logger != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// IsConnected returns the current connection state.
func (p *Publisher) IsConnected() bool {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connected && p.client.IsConnected()
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Publishes graceful offline status (different from LWT crash status)
//  2. Waits for pending publish operations
//  3. Disconnects from broker
//
// Returns:
//   - error: If disconnect fails (connection already closed is not an error)
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}

	if p.IsConnected() {
		payload := buildOfflinePayload(p.cfg.Broker.ClientID)
		token := p.client.Publish(TopicCompanionStatus, byte(p.cfg.QoS), true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	p.client.Disconnect(defaultDisconnectQuiesce)

	p.connMu.Lock()
	p.connected = false
	p.connMu.Unlock()

	return nil
}

// buildClientOptions creates paho MQTT options from companion config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff
//   - TLS configuration (if enabled)
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
	opts.AddBroker(brokerURL)

	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectInitialDelay)
	opts.SetMaxReconnectInterval(reconnectMaxDelay)

	opts.SetConnectTimeout(defaultConnectTimeout)

	// Keepalive - broker sends PINGs to detect dead connections
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.), so other services can detect
// when the companion goes offline.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
	opts.SetWill(TopicCompanionStatus, willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
