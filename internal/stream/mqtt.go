// Package stream — mqtt.go
//
// MQTT transport (eclipse/paho.mqtt.golang).
//
// Topics:
//
//	agent/{device_id}/events  — publish, QoS 1, length-prefixed batch
//	agent/{device_id}/ack     — subscribe, JSON array of event IDs
//	agent/{device_id}/cmd     — subscribe, remote commands (JSON)
//
// Acknowledgements arrive asynchronously on the ack topic, so Send returns
// no IDs; the streamer consumes Acks(). QoS 1 on the events topic gives
// broker-level at-least-once on top of the WAL's replay guarantee.

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Command is a remote operation received on the cmd topic.
type Command struct {
	Name string          `json:"command"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CommandHandler processes remote commands.
type CommandHandler func(Command)

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	BrokerURL      string
	DeviceID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// OnCommand receives messages from the cmd topic. May be nil.
	OnCommand CommandHandler

	Logger *zap.Logger
}

// MQTTTransport ships batches over an MQTT broker.
type MQTTTransport struct {
	client mqtt.Client
	opts   MQTTOptions
	log    *zap.Logger

	topicEvents string
	topicAck    string
	topicCmd    string

	acks chan []string
}

// NewMQTTTransport builds the transport. The broker connection is
// established lazily by the first Probe.
func NewMQTTTransport(opts MQTTOptions) *MQTTTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	t := &MQTTTransport{
		opts:        opts,
		log:         opts.Logger,
		topicEvents: fmt.Sprintf("agent/%s/events", opts.DeviceID),
		topicAck:    fmt.Sprintf("agent/%s/ack", opts.DeviceID),
		topicCmd:    fmt.Sprintf("agent/%s/cmd", opts.DeviceID),
		acks:        make(chan []string, 64),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID("truckagent-" + opts.DeviceID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Warn("mqtt connection lost", zap.Error(err))
		})
	t.client = mqtt.NewClient(clientOpts)
	return t
}

// onConnect re-establishes the ack and cmd subscriptions after every
// (re)connect; with clean_session=false the broker replays missed QoS 1
// messages.
func (t *MQTTTransport) onConnect(c mqtt.Client) {
	t.log.Info("mqtt connected", zap.String("broker", t.opts.BrokerURL))

	if token := c.Subscribe(t.topicAck, 1, t.onAck); token.WaitTimeout(t.opts.ConnectTimeout) && token.Error() != nil {
		t.log.Error("mqtt ack subscribe failed", zap.Error(token.Error()))
	}
	if token := c.Subscribe(t.topicCmd, 1, t.onCommand); token.WaitTimeout(t.opts.ConnectTimeout) && token.Error() != nil {
		t.log.Error("mqtt cmd subscribe failed", zap.Error(token.Error()))
	}
}

// onAck parses an ack payload (JSON array of event IDs) and hands it to
// the streamer.
func (t *MQTTTransport) onAck(_ mqtt.Client, msg mqtt.Message) {
	var ids []string
	if err := json.Unmarshal(msg.Payload(), &ids); err != nil {
		t.log.Warn("malformed ack payload", zap.Error(err),
			zap.Int("len", len(msg.Payload())))
		return
	}
	if len(ids) == 0 {
		return
	}
	select {
	case t.acks <- ids:
	default:
		// Ack channel full: drop; the rescan cycle re-sends and the server
		// re-acks. At-least-once tolerates this.
		t.log.Warn("ack channel full, dropping ack list", zap.Int("ids", len(ids)))
	}
}

// onCommand forwards a remote command to the registered handler.
func (t *MQTTTransport) onCommand(_ mqtt.Client, msg mqtt.Message) {
	if t.opts.OnCommand == nil {
		return
	}
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		t.log.Warn("malformed command payload", zap.Error(err))
		return
	}
	t.opts.OnCommand(cmd)
}

// Name implements Transport.
func (t *MQTTTransport) Name() string { return "mqtt" }

// Acks implements AckSource.
func (t *MQTTTransport) Acks() <-chan []string { return t.acks }

// Send implements Transport. Publishes the batch with QoS 1 and waits for
// the broker PUBACK.
func (t *MQTTTransport) Send(ctx context.Context, b *Batch) ([]string, error) {
	if !t.client.IsConnectionOpen() {
		return nil, fmt.Errorf("%w: not connected", ErrMQTT)
	}
	wire, err := b.Encode()
	if err != nil {
		return nil, err
	}

	token := t.client.Publish(t.topicEvents, 1, false, wire)
	deadline := t.opts.PublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < deadline {
			deadline = until
		}
	}
	if !token.WaitTimeout(deadline) {
		return nil, fmt.Errorf("%w: publish %s", ErrTimeout, t.topicEvents)
	}
	if err := token.Error(); err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("%w: publish: %v", ErrMQTT, err)
	}
	return nil, nil
}

// Probe implements Transport. Connects if necessary and reports the connect
// round-trip; an already open connection reports about zero without a ping.
func (t *MQTTTransport) Probe(ctx context.Context) (float64, error) {
	start := time.Now()
	if t.client.IsConnectionOpen() {
		return float64(time.Since(start).Milliseconds()), nil
	}

	token := t.client.Connect()
	deadline := t.opts.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < deadline {
			deadline = until
		}
	}
	if !token.WaitTimeout(deadline) {
		return 0, fmt.Errorf("%w: connect %s", ErrTimeout, t.opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		if isAuthError(err) {
			return 0, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return 0, fmt.Errorf("%w: connect: %v", ErrMQTT, err)
	}
	return float64(time.Since(start).Milliseconds()), nil
}

// Close implements Transport. The ack channel is left open: subscription
// callbacks may still be in flight during disconnect, and the streamer's
// consumer exits on its own context.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}

// isAuthError classifies broker credential rejections.
func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "identifier rejected")
}
