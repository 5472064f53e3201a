package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/sweeney/boxctl/internal/frame"
)

// DefaultBufferSize is the number of frames kept while the broker is away.
const DefaultBufferSize = 256

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	prefix string

	mu      sync.Mutex
	buf     *ringBuffer
	handler func(frame.Command, string)
}

// NewRealPublisher connects to broker. Frames published while the
// connection is down are buffered and replayed on reconnect.
func NewRealPublisher(broker, prefix string, bufSize int) (*RealPublisher, error) {
	p := &RealPublisher{prefix: prefix, buf: newRingBuffer(bufSize)}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("boxctl-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(Topic(prefix, TopicStatus), "OFFLINE", 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// ConnectRetry keeps trying; publishes are buffered meanwhile.
		log.Printf("mqtt: broker %s not reachable yet, retrying in background", broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect runs on every (re)connection.
func (p *RealPublisher) onConnect(c paho.Client) {
	c.Publish(Topic(p.prefix, TopicStatus), 1, true, "ONLINE")

	p.mu.Lock()
	pending := p.buf.drainAll()
	handler := p.handler
	p.mu.Unlock()

	if handler != nil {
		if err := p.subscribe(handler); err != nil {
			log.Printf("mqtt: resubscribe: %v", err)
		}
	}
	if len(pending) > 0 {
		log.Printf("mqtt: replaying %d buffered messages", len(pending))
	}
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
}

// IsConnected reports whether the client currently has a broker connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// PublishFrame mirrors one bus frame at QoS 0.
func (p *RealPublisher) PublishFrame(f frame.Frame) error {
	payload, err := FormatFrame(f)
	if err != nil {
		return fmt.Errorf("format frame: %w", err)
	}
	return p.publish(Topic(p.prefix, TopicFrames), 0, false, payload)
}

// PublishSystem sends a system lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(Topic(p.prefix, TopicSystem), 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers parsed commands from the command topic to handler.
// The subscription is renewed after every reconnect.
func (p *RealPublisher) Subscribe(handler func(cmd frame.Command, id string)) error {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return p.subscribe(handler)
}

func (p *RealPublisher) subscribe(handler func(frame.Command, string)) error {
	topic := Topic(p.prefix, TopicCommands)
	token := p.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		cmd, id, err := ParseCommand(msg.Payload())
		if err != nil {
			log.Printf("mqtt: rejected command: %v", err)
			return
		}
		handler(cmd, id)
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Close publishes OFFLINE and disconnects from the broker.
func (p *RealPublisher) Close() error {
	if p.client.IsConnectionOpen() {
		p.client.Publish(Topic(p.prefix, TopicStatus), 1, true, "OFFLINE").WaitTimeout(time.Second)
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
