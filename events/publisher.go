package events

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/room4-2/voicelive-relay/config"
)

// Session lifecycle event names
const (
	SessionOpened = "opened"
	SessionReady  = "ready"
	SessionClosed = "closed"
)

const publishTimeout = 2 * time.Second

// Notifier receives session lifecycle events.
type Notifier interface {
	Notify(sessionID, event string, detail string)
	Close()
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(string, string, string) {}
func (Nop) Close()                        {}

// Notification is the payload published for each lifecycle event.
type Notification struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	At        string `json:"at"`
}

// Publisher sends lifecycle notifications to an MQTT broker.
type Publisher struct {
	client    paho.Client
	prefix    string
	connected atomic.Bool
}

// NewNotifier returns an MQTT publisher when a broker is configured and a
// no-op notifier otherwise.
func NewNotifier(cfg *config.Config) Notifier {
	if cfg.MQTTBroker == "" {
		return Nop{}
	}
	return NewPublisher(cfg)
}

// NewPublisher connects to the broker in the background; notifications are
// dropped until the connection is up.
func NewPublisher(cfg *config.Config) *Publisher {
	broker := cfg.MQTTBroker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	log.Printf("[MQTT] Connecting to broker: %s", broker)

	p := &Publisher{prefix: cfg.MQTTTopicPrefix}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(10 * time.Second)

	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		if cfg.MQTTPassword != "" {
			opts.SetPassword(cfg.MQTTPassword)
		}
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.connected.Store(false)
		log.Printf("[MQTT] Connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		p.connected.Store(true)
		log.Printf("[MQTT] Connected to broker")
	})

	p.client = paho.NewClient(opts)
	// With ConnectRetry the token completes only once connected, so don't wait on it.
	p.client.Connect()
	return p
}

// Topic returns the topic for a session event.
func (p *Publisher) Topic(sessionID, event string) string {
	return fmt.Sprintf("%s/sessions/%s/%s", p.prefix, sessionID, event)
}

// Notify publishes a lifecycle event without blocking the relay for long.
func (p *Publisher) Notify(sessionID, event, detail string) {
	if !p.connected.Load() {
		return
	}
	payload, err := sonic.Marshal(Notification{
		SessionID: sessionID,
		Event:     event,
		Detail:    detail,
		At:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("[MQTT] Failed to encode %s event: %v", event, err)
		return
	}

	token := p.client.Publish(p.Topic(sessionID, event), 0, false, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Printf("[MQTT] Failed to publish %s for session %s: %v", event, sessionID, token.Error())
		}
	}()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
