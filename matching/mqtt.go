package matching

import (
	"bytes"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageHandler receives decoded MQTT messages. Session implements it.
type MessageHandler interface {
	HandleFrame(frame PointCloud) Pose
	HandleAbsolutePose(pose Pose) InitState
	HandleRelocalize(frame PointCloud) (Pose, bool)
}

// PoseHandler is called with the refined pose of every processed frame
type PoseHandler func(pose Pose)

// MQTTClient manages the MQTT connection and the frame, pose and relocalize subscriptions
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	handler     MessageHandler
	poseHandler PoseHandler
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
	logger      *zap.SugaredLogger
}

// InitMQTT connects to the broker named in config. When no broker is
// configured MQTT is disabled and InitMQTT returns nil, nil.
func InitMQTT(config MQTTConfig, handler MessageHandler, logger *zap.SugaredLogger) (*MQTTClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.Broker == "" {
		logger.Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if handler == nil {
		return nil, errors.New("MQTT enabled but no message handler provided")
	}
	if config.FrameTopic == "" {
		return nil, errors.New("mqtt.frameTopic is required")
	}

	c := newMQTTClient(nil, config, handler, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	clientID := config.ClientID
	if clientID == "" {
		clientID = "mapmatch"
	}
	opts.SetClientID(clientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// frames must reach the matcher in order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

func newMQTTClient(client mqtt.Client, config MQTTConfig, handler MessageHandler, logger *zap.SugaredLogger) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// connectWithRetry connects with exponential backoff until it succeeds or
// the client is disconnected
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Infow("connecting to MQTT broker", "broker", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warnw("MQTT connection failed", "error", token.Error())
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Infow("retrying MQTT connection", "delay", retryDelay)
		select {
		case <-c.done:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the configured topics
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{c.config.FrameTopic, c.frameMessageHandler()},
		{c.config.PoseTopic, c.poseMessageHandler()},
		{c.config.RelocalizeTopic, c.relocalizeMessageHandler()},
	}
	for _, s := range subscriptions {
		if s.topic == "" {
			continue
		}
		token := client.Subscribe(s.topic, 0, s.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Errorw("subscribe failed", "topic", s.topic, "error", token.Error())
			continue
		}
		c.logger.Infow("subscribed", "topic", s.topic)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warnw("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

func (c *MQTTClient) frameMessageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		frame, err := ReadPCD(bytes.NewReader(msg.Payload()))
		if err != nil {
			c.logger.Warnw("dropping undecodable frame", "topic", msg.Topic(), "bytes", len(msg.Payload()), "error", err)
			return
		}
		pose := c.handler.HandleFrame(frame)
		if h := c.getPoseHandler(); h != nil {
			h(pose)
		}
	}
}

func (c *MQTTClient) poseMessageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		pose, err := DecodePoseMessage(msg.Payload())
		if err != nil {
			c.logger.Warnw("dropping invalid pose sample", "topic", msg.Topic(), "error", err)
			return
		}
		state := c.handler.HandleAbsolutePose(pose)
		c.logger.Debugw("absolute pose sample", "state", state)
	}
}

func (c *MQTTClient) relocalizeMessageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		frame, err := ReadPCD(bytes.NewReader(msg.Payload()))
		if err != nil {
			c.logger.Warnw("dropping undecodable relocalize frame", "topic", msg.Topic(), "error", err)
			return
		}
		if _, ok := c.handler.HandleRelocalize(frame); !ok {
			c.logger.Infow("relocalization found no match", "points", len(frame))
		}
	}
}

// SetPoseHandler registers a callback for refined poses
func (c *MQTTClient) SetPoseHandler(handler PoseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poseHandler = handler
}

func (c *MQTTClient) getPoseHandler() PoseHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poseHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops connection attempts and closes the connection
func (c *MQTTClient) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

// GetClient returns the underlying client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
