package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	Topics     Topics
	Identity   Identity
	BufferSize int
}

// RealClient talks to an actual MQTT broker. Messages published while the
// connection is down are held in a ring buffer and flushed on reconnect.
type RealClient struct {
	client   paho.Client
	topics   Topics
	identity Identity
	commands chan []byte

	// publishWait bounds how long a publish may hold the caller.
	publishWait time.Duration

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool
	everUp    bool
}

// DefaultPublishWait is how long Publish waits for the broker's
// acknowledgement before handing the token to a background goroutine.
const DefaultPublishWait = 200 * time.Millisecond

// NewRealClient creates a client and starts connecting in the background.
// It waits briefly for the first connection but does not fail without one:
// the controller must keep supervising valves while the broker is away.
func NewRealClient(o Options) *RealClient {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	c := &RealClient{
		topics:   o.Topics,
		identity: o.Identity,
		commands:    make(chan []byte, 16),
		buf:         newRingBuffer(o.BufferSize),
		publishWait: DefaultPublishWait,
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(o.Topics.System, string(WillPayload(o.Identity.DeviceID, time.Now())), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("mqtt: not connected to %s yet, retrying in background", o.Broker)
	} else if err := token.Error(); err != nil {
		log.Printf("mqtt: connect to %s: %v", o.Broker, err)
	}
	return c
}

func (c *RealClient) onConnect(client paho.Client) {
	token := client.Subscribe(c.topics.Command, 1, c.onCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("mqtt: subscribe %s: %v", c.topics.Command, token.Error())
	}

	c.mu.Lock()
	reconnect := c.everUp
	c.everUp = true
	c.connected = true
	pending := c.buf.drainAll()
	c.mu.Unlock()

	log.Printf("mqtt: connected, subscribed to %s", c.topics.Command)

	if reconnect {
		payload, _ := FormatSystemPayload(c.identity.DeviceID, SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		c.send(bufferedMsg{topic: c.topics.System, payload: payload, qos: 1})
	}
	if len(pending) > 0 {
		log.Printf("mqtt: flushing %d buffered messages", len(pending))
	}
	for _, m := range pending {
		if err := c.send(m); err != nil {
			log.Printf("mqtt: flush %s: %v", m.topic, err)
		}
	}
}

func (c *RealClient) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	log.Printf("mqtt: connection lost: %v", err)
}

func (c *RealClient) onCommand(_ paho.Client, msg paho.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case c.commands <- payload:
	default:
		log.Printf("mqtt: command queue full, dropping %d-byte payload", len(payload))
	}
}

// Publish sends a valve state change or alert.
func (c *RealClient) Publish(event valve.Event) error {
	topic, payload, err := FormatEvent(c.topics, c.identity, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1 (at-least-once) for state changes and alerts.
	return c.publish(bufferedMsg{topic: topic, payload: payload, qos: 1})
}

// PublishStatus sends a full status document, not retained.
func (c *RealClient) PublishStatus(payload []byte) error {
	return c.publish(bufferedMsg{topic: c.topics.Status, payload: payload})
}

// PublishSystem sends a system lifecycle event.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(c.identity.DeviceID, event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.publish(bufferedMsg{topic: c.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

// Commands delivers payloads received on the command topic.
func (c *RealClient) Commands() <-chan []byte {
	return c.commands
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

func (c *RealClient) publish(m bufferedMsg) error {
	c.mu.Lock()
	if !c.connected {
		c.buf.push(m)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.send(m); err != nil {
		c.mu.Lock()
		c.buf.push(m)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *RealClient) send(m bufferedMsg) error {
	return c.await(m, c.client.Publish(m.topic, m.qos, m.retained, m.payload))
}

// await waits up to publishWait for token. A publish still in flight after
// that is settled in the background, so a stalled broker never blocks the
// control loop; if it then fails, the message goes back to the buffer.
func (c *RealClient) await(m bufferedMsg, token paho.Token) error {
	if !token.WaitTimeout(c.publishWait) {
		go c.settle(m, token)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

func (c *RealClient) settle(m bufferedMsg, token paho.Token) {
	<-token.Done()
	if err := token.Error(); err != nil {
		log.Printf("mqtt: publish %s: %v", m.topic, err)
		c.mu.Lock()
		c.buf.push(m)
		c.mu.Unlock()
	}
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
