// Package controlplane implements core.ControlPlane over MQTT: inbound
// SESSION_START/SESSION_END messages drive a core.Negotiator, and
// SESSION_READY/SESSION_ENDED replies are published back on the broker.
package controlplane

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/claude-did-this/chip-audio-receiver/core"
	"github.com/claude-did-this/chip-audio-receiver/internal/telemetry"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// Config bundles the MQTT connection parameters.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// DefaultConfig returns sane defaults for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:      "tcp://localhost:1883",
		TopicPrefix: "chipaudio",
		QoS:         1,
	}
}

func (c Config) startTopic() string { return c.TopicPrefix + "/session/start" }
func (c Config) endTopic() string   { return c.TopicPrefix + "/session/end" }
func (c Config) readyTopic() string { return c.TopicPrefix + "/session/ready" }
func (c Config) endedTopic() string { return c.TopicPrefix + "/session/ended" }

// startMessage mirrors the SESSION_START wire schema.
type startMessage struct {
	SessionID           string `json:"session_id"`
	AudioStreamPort     uint16 `json:"audio_stream_port"`
	ClientEndpoint      string `json:"client_endpoint"`
	ExpectedFormat      string `json:"expected_format"`
	SampleRate          uint32 `json:"sample_rate"`
	EstimatedDurationMs uint64 `json:"estimated_duration_ms,omitempty"`
}

// endMessage mirrors the SESSION_END wire schema.
type endMessage struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// readyMessage mirrors the SESSION_READY wire schema.
type readyMessage struct {
	SessionID     string `json:"session_id"`
	ReceiverReady bool   `json:"receiver_ready"`
	UDPEndpoint   string `json:"udp_endpoint"`
	BufferSizeMs  uint32 `json:"buffer_size_ms"`
}

// endedMessage mirrors the SESSION_ENDED wire schema.
type endedMessage struct {
	SessionID  string      `json:"session_id"`
	Reason     string      `json:"reason"`
	Statistics interface{} `json:"statistics"`
}

// Client is an MQTT-backed core.ControlPlane. Zero value is not usable;
// construct with Connect.
type Client struct {
	client mqtt.Client
	cfg    Config
	log    *telemetry.Logger
}

// Connect dials the broker and subscribes to the session-start/end topics,
// dispatching each inbound message to negotiator. It blocks until the
// initial connection attempt completes (or fails).
func Connect(cfg Config, negotiator *core.Negotiator, log *telemetry.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("chip-audio-receiver-" + uuid.NewString())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if log != nil {
			log.Printf("connection lost: %v", err)
		}
	})

	c := &Client{cfg: cfg, log: log}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if log != nil {
			log.Printf("connected to broker %s", cfg.Broker)
		}
		if token := client.Subscribe(cfg.startTopic(), cfg.QoS, c.onStart(negotiator)); token.Wait() && token.Error() != nil {
			if log != nil {
				log.Printf("subscribe %s: %v", cfg.startTopic(), token.Error())
			}
		}
		if token := client.Subscribe(cfg.endTopic(), cfg.QoS, c.onEnd(negotiator)); token.Wait() && token.Error() != nil {
			if log != nil {
				log.Printf("subscribe %s: %v", cfg.endTopic(), token.Error())
			}
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("controlplane: connect to %s: %w", cfg.Broker, token.Error())
	}
	c.client = client
	return c, nil
}

func (c *Client) onStart(n *core.Negotiator) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var m startMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			if c.log != nil {
				c.log.Printf("malformed session start message: %v", err)
			}
			return
		}
		host, port := splitClientEndpoint(m.ClientEndpoint)
		req := core.StartRequest{
			SessionID:           m.SessionID,
			RemoteHost:          host,
			RemotePort:          port,
			Format:              parseFormat(m.ExpectedFormat),
			SampleRate:          m.SampleRate,
			EstimatedDurationMs: m.EstimatedDurationMs,
		}
		if err := n.HandleStart(req); err != nil && c.log != nil {
			c.log.Printf("session %s: handle start: %v", m.SessionID, err)
		}
	}
}

func (c *Client) onEnd(n *core.Negotiator) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var m endMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			if c.log != nil {
				c.log.Printf("malformed session end message: %v", err)
			}
			return
		}
		go n.HandleEnd(m.SessionID, core.EndReason(m.Reason))
	}
}

// PublishReady implements core.ControlPlane.
func (c *Client) PublishReady(resp core.ReadyResponse) error {
	data, err := json.Marshal(readyMessage{
		SessionID:     resp.SessionID,
		ReceiverReady: resp.ReceiverReady,
		UDPEndpoint:   resp.UDPEndpoint,
		BufferSizeMs:  resp.BufferSizeMs,
	})
	if err != nil {
		return fmt.Errorf("controlplane: marshal ready: %w", err)
	}
	token := c.client.Publish(c.cfg.readyTopic(), c.cfg.QoS, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("controlplane: publish ready: %w", token.Error())
	}
	return nil
}

// PublishEnded implements core.ControlPlane.
func (c *Client) PublishEnded(notice core.EndedNotice) error {
	data, err := json.Marshal(endedMessage{
		SessionID:  notice.SessionID,
		Reason:     string(notice.Reason),
		Statistics: notice.Stats,
	})
	if err != nil {
		return fmt.Errorf("controlplane: marshal ended: %w", err)
	}
	token := c.client.Publish(c.cfg.endedTopic(), c.cfg.QoS, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("controlplane: publish ended: %w", token.Error())
	}
	return nil
}

// Disconnect tears down the broker connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func parseFormat(s string) wire.Format {
	switch s {
	case "mp3":
		return wire.FormatMP3
	case "opus":
		return wire.FormatOpus
	default:
		return wire.FormatPCM
	}
}

// splitClientEndpoint parses a "host:port" endpoint, tolerating a missing
// or unparseable port (returns 0).
func splitClientEndpoint(endpoint string) (host string, port int) {
	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, 0
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return h, 0
	}
	return h, portNum
}
