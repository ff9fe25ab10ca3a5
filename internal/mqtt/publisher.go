package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ember-home/ember/internal/config"
	"github.com/ember-home/ember/internal/rooms"
)

// RoomSource provides the room snapshot for sensor publishing. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the stores directly.
type RoomSource interface {
	// Rooms returns all rooms across owners.
	Rooms() ([]rooms.Room, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes room
// temperature states to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     RoomSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	handler    MessageHandler

	// entities whose discovery payload has been published this
	// connection; reset on reconnect so retained configs are refreshed.
	// Written from autopaho's connection goroutine and the publish
	// loop, so all access goes through the mu-guarded helpers below.
	mu        sync.Mutex
	announced map[string]bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source RoomSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		logger:     logger,
		announced:  make(map[string]bool),
	}
}

// Device returns the HA device block shared by all entities.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// SetMessageHandler overrides the default inbound message handler.
// Must be called before [Publisher.Start].
func (p *Publisher) SetMessageHandler(h MessageHandler) {
	p.handler = h
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	if p.handler == nil {
		p.handler = defaultMessageHandler(p.logger)
	}

	// A runaway sensor must not be able to flood the logs or a custom
	// handler; drop excess messages per minute.
	limit := int64(p.cfg.RateLimitPerMinute)
	if limit <= 0 {
		limit = 600
	}
	limiter := newMessageRateLimiter(limit, time.Minute, p.logger)
	go limiter.start(ctx)
	inner := p.handler
	p.handler = func(topic string, payload []byte) {
		if limiter.allow() {
			inner(topic, payload)
		}
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.resetAnnounced()
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ember-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	// Run the periodic state publish loop until ctx is cancelled.
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "ember/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// entitySuffix derives a stable HA-safe entity suffix for a room. Owner
// IDs are UUIDs; the first segment is enough to disambiguate rooms with
// the same name across owners while keeping entity IDs readable.
func entitySuffix(room rooms.Room) string {
	owner := room.Owner
	if i := strings.IndexByte(owner, '-'); i > 0 {
		owner = owner[:i]
	}
	return "room_" + slugify(owner) + "_" + slugify(room.Name)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		// Room names can start with a multi-byte rune; slicing bytes
		// would corrupt the entity name.
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// --- Discovery ---

func (p *Publisher) sensorConfig(room rooms.Room) SensorConfig {
	suffix := entitySuffix(room)
	return SensorConfig{
		// Short name only: HA prefixes the device name itself when
		// has_entity_name is set.
		Name:              titleCase(room.Name),
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              "mdi:thermometer",
		UnitOfMeasurement: "°C",
		DeviceClass:       "temperature",
		StateClass:        "measurement",
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	list, err := p.source.Rooms()
	if err != nil {
		p.logger.Error("mqtt room snapshot failed", "error", err)
		return
	}

	for _, room := range list {
		p.announceRoom(ctx, cm, room)
	}
}

// isAnnounced, markAnnounced, and resetAnnounced serialize access to
// the announced map; a reconnect reset racing a publish tick at worst
// announces an entity twice, and retained discovery configs make the
// duplicate harmless.
func (p *Publisher) isAnnounced(suffix string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.announced[suffix]
}

func (p *Publisher) markAnnounced(suffix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced[suffix] = true
}

func (p *Publisher) resetAnnounced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced = make(map[string]bool)
}

func (p *Publisher) announceRoom(ctx context.Context, cm *autopaho.ConnectionManager, room rooms.Room) {
	suffix := entitySuffix(room)
	if p.isAnnounced(suffix) {
		return
	}

	payload, err := json.Marshal(p.sensorConfig(room))
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"entity", suffix, "error", err)
		return
	}

	topic := p.discoveryTopic("sensor", suffix)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", suffix, "topic", topic, "error", err)
		return
	}

	p.markAnnounced(suffix)
	p.logger.Debug("mqtt discovery published", "entity", suffix, "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(p.cfg.Subscriptions) == 0 {
		return
	}

	subs := make([]paho.SubscribeOptions, 0, len(p.cfg.Subscriptions))
	for _, s := range p.cfg.Subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: s.Topic, QoS: s.QoS})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "error", err)
		return
	}
	for _, s := range p.cfg.Subscriptions {
		p.logger.Info("mqtt subscribed", "topic", s.Topic, "qos", s.QoS)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	list, err := p.source.Rooms()
	if err != nil {
		p.logger.Error("mqtt room snapshot failed", "error", err)
		return
	}

	for _, room := range list {
		// Rooms created since the last connect need their discovery
		// payload before HA will accept state for them.
		p.announceRoom(ctx, p.cm, room)

		value := strconv.FormatFloat(room.Temperature, 'f', 1, 64)
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entitySuffix(room)),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entitySuffix(room), "error", err)
		}
	}

	p.logger.Debug("mqtt room states published", "rooms", len(list))
}
