package mqtt

import (
	"sync"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// FakeClient records published messages for test assertions.
type FakeClient struct {
	mu sync.Mutex

	// Topics and Identity are used to format payloads like the real client.
	Topics   Topics
	Identity Identity

	// Events contains all valve events that were published.
	Events []valve.Event

	// Messages contains every message in publish order.
	Messages []Message

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// PublishError, if set, will be returned by Publish and PublishStatus.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	commands chan []byte
}

// Message is one recorded publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// NewFakeClient creates a FakeClient for device "test" under the default prefix.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Topics:   NewTopics(DefaultTopicPrefix, "test"),
		Identity: Identity{DeviceID: "test", BootID: "boot"},
		commands: make(chan []byte, 16),
	}
}

// Publish records the valve event.
func (f *FakeClient) Publish(event valve.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	topic, payload, err := FormatEvent(f.Topics, f.Identity, event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Messages = append(f.Messages, Message{Topic: topic, Payload: payload})
	return nil
}

// PublishStatus records the status document.
func (f *FakeClient) PublishStatus(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Message{Topic: f.Topics.Status, Payload: payload})
	return nil
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(f.Identity.DeviceID, event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.Messages = append(f.Messages, Message{Topic: f.Topics.System, Payload: payload, Retained: event.Retained})
	return nil
}

// Commands returns the injected command channel.
func (f *FakeClient) Commands() <-chan []byte {
	return f.commands
}

// Inject queues a payload as if it arrived on the command topic.
func (f *FakeClient) Inject(payload []byte) {
	f.commands <- payload
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// OnTopic returns the recorded messages for topic, in publish order.
func (f *FakeClient) OnTopic(topic string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = nil
	f.Messages = nil
	f.SystemEvents = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
}
