// Package mqtt mirrors broadcast comments to an MQTT broker.
//
// Chats are published as JSON to "{prefix}/{broadcast}/{room}". Text
// published to "{prefix}/{broadcast}/say" is handed to the say handler,
// which lets other processes post through the relay's connection.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/transport"
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "nicolive"

	sayTopic       = "say"
	publishTimeout = 10 * time.Second
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds the configuration for an MQTT relay.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "nicolive").
	TopicPrefix string
	// BroadcastID scopes every topic of the relay.
	BroadcastID string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// SayHandler receives text published to the say topic.
type SayHandler func(text string)

// ChatMessage is the JSON payload of a mirrored chat.
type ChatMessage struct {
	Room      string    `json:"room"`
	RoomIndex int       `json:"room_index"`
	Thread    int       `json:"thread"`
	No        int       `json:"no"`
	VPos      int       `json:"vpos"`
	Date      time.Time `json:"date"`
	UserID    string    `json:"user_id,omitempty"`
	Mail      string    `json:"mail,omitempty"`
	Kind      string    `json:"kind"`
	Anonymous bool      `json:"anonymous"`
	Text      string    `json:"text"`
}

// NewChatMessage builds the payload for chat received in room index.
func NewChatMessage(index int, room string, chat *codec.Chat) ChatMessage {
	return ChatMessage{
		Room:      room,
		RoomIndex: index,
		Thread:    chat.Thread,
		No:        chat.No,
		VPos:      chat.VPos,
		Date:      chat.Date,
		UserID:    chat.UserID,
		Mail:      chat.Mail,
		Kind:      chat.Kind.String(),
		Anonymous: chat.IsAnonymous(),
		Text:      chat.Text,
	}
}

// Relay publishes chats to an MQTT broker.
type Relay struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	sayHandler   SayHandler
	stateHandler transport.StateHandler
}

// New creates a new MQTT relay with the given configuration.
func New(cfg Config) *Relay {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Relay{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker.
func (r *Relay) Start(ctx context.Context) error {
	if r.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if r.cfg.BroadcastID == "" {
		return errors.New("broadcast ID is required")
	}

	clientID := r.cfg.ClientID
	if clientID == "" {
		clientID = "nicolive-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(r.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(r.onConnected).
		SetConnectionLostHandler(r.onConnectionLost).
		SetReconnectingHandler(r.onReconnecting)

	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
	}
	if r.cfg.Password != "" {
		opts.SetPassword(r.cfg.Password)
	}
	if r.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	r.mu.Lock()
	r.client = paho.NewClient(opts)
	client := r.client
	r.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		r.client.Disconnect(1000)
		r.connected = false
	}
	return nil
}

// IsConnected returns true if the relay is connected to the broker.
func (r *Relay) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected && r.client != nil && r.client.IsConnected()
}

// SetSayHandler sets the callback for text published to the say topic.
func (r *Relay) SetSayHandler(fn SayHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sayHandler = fn
}

// SetStateHandler sets the callback for broker connection changes.
func (r *Relay) SetStateHandler(fn transport.StateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateHandler = fn
}

// PublishChat mirrors a chat received in room index.
func (r *Relay) PublishChat(index int, room string, chat *codec.Chat) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(NewChatMessage(index, room, chat))
	if err != nil {
		return fmt.Errorf("encoding chat: %w", err)
	}

	token := r.client.Publish(r.Topic(room), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

// Topic returns the topic chats of room are published to.
func (r *Relay) Topic(room string) string {
	return r.cfg.TopicPrefix + "/" + r.cfg.BroadcastID + "/" + room
}

func (r *Relay) sayTopic() string {
	return r.Topic(sayTopic)
}

func (r *Relay) subscribe() {
	topic := r.sayTopic()
	r.client.Subscribe(topic, 0, r.handleMessage)
	r.log.Debug("subscribed to say topic", "topic", topic)
}

func (r *Relay) handleMessage(_ paho.Client, message paho.Message) {
	r.mu.RLock()
	handler := r.sayHandler
	r.mu.RUnlock()

	if handler == nil {
		return
	}

	text := strings.TrimSpace(string(message.Payload()))
	if text == "" {
		r.log.Debug("ignoring empty say message", "topic", message.Topic())
		return
	}
	handler(text)
}

func (r *Relay) onConnected(_ paho.Client) {
	r.mu.Lock()
	r.connected = true
	handler := r.stateHandler
	r.mu.Unlock()

	r.subscribe()
	r.log.Info("connected to MQTT broker", "broker", r.cfg.Broker)

	if handler != nil {
		handler(transport.EventConnected)
	}
}

func (r *Relay) onConnectionLost(_ paho.Client, err error) {
	r.mu.Lock()
	r.connected = false
	handler := r.stateHandler
	r.mu.Unlock()

	r.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(transport.EventDisconnected)
	}
}

func (r *Relay) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	r.mu.RLock()
	handler := r.stateHandler
	r.mu.RUnlock()

	r.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
