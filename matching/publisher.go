package matching

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Publisher sends refined poses and status snapshots to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	now           func() time.Time
}

// NewPublisher creates a publisher under prefix. A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "mapmatch"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		now:           time.Now,
	}
}

// PoseTopic is where refined poses are published
func (p *Publisher) PoseTopic() string {
	return fmt.Sprintf("%s/pose", p.publishPrefix)
}

// StatusTopic is where the retained status is published
func (p *Publisher) StatusTopic() string {
	return fmt.Sprintf("%s/status", p.publishPrefix)
}

// PublishPose publishes one refined pose, not retained
func (p *Publisher) PublishPose(pose Pose) error {
	return p.publish(p.PoseTopic(), false, NewPoseMessage(pose, p.now().UnixMilli()))
}

// PublishStatus publishes the status snapshot, retained so late subscribers see it
func (p *Publisher) PublishStatus(status Status) error {
	return p.publish(p.StatusTopic(), true, status)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s payload", topic)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}
