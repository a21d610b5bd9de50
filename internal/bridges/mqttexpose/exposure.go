package mqttexpose

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/shellbridge/internal/accessory"
	"github.com/nerrad567/shellbridge/internal/infrastructure/mqtt"
)

var (
	_ accessory.Exposure = (*Exposure)(nil)
	_ Handler            = (*accessory.Platform)(nil)
)

// MQTTClient is the subset of *mqtt.Client the exposure needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Handler answers requests arriving from MQTT controllers.
// *accessory.Platform satisfies it.
type Handler interface {
	Get(name string, kind accessory.CharacteristicKind, cb func(accessory.Value, error))
	Set(name string, kind accessory.CharacteristicKind, value accessory.Value, cb func(error))
	Identify(name string)
}

// Logger defines the logging interface for the exposure.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures an Exposure.
type Options struct {
	// Client is the broker connection (required).
	Client MQTTClient

	// Topics builds the topic tree. The zero value uses the default prefix.
	Topics mqtt.Topics

	// QoS is used for every publish and subscription.
	QoS byte

	// Logger receives request and publish failures. Optional.
	Logger Logger

	// Bridge is published retained on Start and Republish. Optional.
	Bridge BridgeMessage
}

// published is what the exposure last told the broker about an accessory.
type published struct {
	id        string
	info      accessory.Snapshot
	service   bool
	reachable bool
	values    map[accessory.CharacteristicKind]accessory.Value
}

// Exposure publishes accessories to MQTT and turns set, get and identify
// messages into platform requests.
//
// Thread Safety:
//   - Exposure methods are called from the platform loop.
//   - Inbound messages arrive on paho goroutines and only read the id map
//     before handing the request to the Handler.
type Exposure struct {
	client MQTTClient
	topics mqtt.Topics
	qos    byte
	bridge BridgeMessage

	logger   Logger
	loggerMu sync.RWMutex

	mu          sync.RWMutex
	accessories map[string]*published // by accessory name
	names       map[string]string     // topic id -> accessory name

	handler Handler
	started bool
}

// New creates an exposure. Call Start once the Handler exists.
func New(opts Options) (*Exposure, error) {
	if opts.Client == nil {
		return nil, ErrClientRequired
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidOptions, opts.QoS)
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Exposure{
		client:      opts.Client,
		topics:      opts.Topics,
		qos:         opts.QoS,
		bridge:      opts.Bridge,
		logger:      logger,
		accessories: make(map[string]*published),
		names:       make(map[string]string),
	}, nil
}

// SetLogger replaces the logger.
func (e *Exposure) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

func (e *Exposure) log() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

// Start subscribes to the request topics and routes them to h.
func (e *Exposure) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return ErrHandlerRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.handler = h
	e.started = true
	e.mu.Unlock()

	for _, topic := range e.requestTopics() {
		if err := e.client.Subscribe(topic, e.qos, e.handleMessage); err != nil {
			e.mu.Lock()
			e.started = false
			e.mu.Unlock()
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		e.log().Info("subscribed to MQTT topic", "topic", topic)
	}
	e.publishBridge()
	return nil
}

// publishBridge announces the bridge identity. Skipped when no name is set.
func (e *Exposure) publishBridge() {
	if e.bridge.Name == "" {
		return
	}
	msg := e.bridge
	msg.Accessories = e.Len()
	if err := e.publishJSON(e.topics.BridgeConfig(), msg, true); err != nil {
		e.log().Warn("publishing bridge config failed", "error", err)
	}
}

// Stop unsubscribes from the request topics. Retained accessory topics stay
// on the broker so controllers keep the last known state.
func (e *Exposure) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	for _, topic := range e.requestTopics() {
		if err := e.client.Unsubscribe(topic); err != nil {
			e.log().Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (e *Exposure) requestTopics() []string {
	return []string{e.topics.AllSets(), e.topics.AllGets(), e.topics.AllIdentify()}
}

// RegisterAccessory implements accessory.Exposure.
func (e *Exposure) RegisterAccessory(info accessory.Snapshot) error {
	id := mqtt.TopicID(info.Name)
	if id == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, info.Name)
	}

	e.mu.Lock()
	if owner, taken := e.names[id]; taken && owner != info.Name {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q and %q both map to %q", ErrTopicCollision, owner, info.Name, id)
	}
	e.names[id] = info.Name
	e.accessories[info.Name] = &published{
		id:     id,
		info:   info,
		values: make(map[accessory.CharacteristicKind]accessory.Value),
	}
	e.mu.Unlock()

	return e.publishJSON(e.topics.AccessoryConfig(id), newAccessoryMessage(id, info), true)
}

// UnregisterAccessory implements accessory.Exposure. Retained topics are
// cleared with empty payloads.
func (e *Exposure) UnregisterAccessory(name string) error {
	e.mu.Lock()
	acc, ok := e.accessories[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccessory, name)
	}
	delete(e.accessories, name)
	delete(e.names, acc.id)
	e.mu.Unlock()

	topics := []string{
		e.topics.AccessoryConfig(acc.id),
		e.topics.AccessoryService(acc.id),
		e.topics.AccessoryReachable(acc.id),
	}
	if acc.info.Capability != nil {
		for _, ch := range acc.info.Capability.Characteristics {
			topics = append(topics, e.topics.Characteristic(acc.id, string(ch.Kind)))
		}
	}

	var firstErr error
	for _, topic := range topics {
		if err := e.client.Publish(topic, nil, e.qos, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddService implements accessory.Exposure.
func (e *Exposure) AddService(info accessory.Snapshot) error {
	id, err := e.setFlag(info.Name, func(p *published) { p.service = true; p.info = info })
	if err != nil {
		return err
	}
	return e.publishFlag(e.topics.AccessoryService(id), true)
}

// RemoveService implements accessory.Exposure.
func (e *Exposure) RemoveService(name string) error {
	id, err := e.setFlag(name, func(p *published) { p.service = false })
	if err != nil {
		return err
	}
	return e.publishFlag(e.topics.AccessoryService(id), false)
}

// HasService implements accessory.Exposure.
func (e *Exposure) HasService(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, ok := e.accessories[name]
	return ok && acc.service
}

// SetReachable implements accessory.Exposure.
func (e *Exposure) SetReachable(name string, reachable bool) error {
	id, err := e.setFlag(name, func(p *published) { p.reachable = reachable })
	if err != nil {
		return err
	}
	return e.publishFlag(e.topics.AccessoryReachable(id), reachable)
}

// UpdateCharacteristic implements accessory.Exposure.
func (e *Exposure) UpdateCharacteristic(name string, kind accessory.CharacteristicKind, value accessory.Value) error {
	id, err := e.setFlag(name, func(p *published) { p.values[kind] = value })
	if err != nil {
		return err
	}
	return e.publishJSON(e.topics.Characteristic(id, string(kind)), ValueMessage{Value: value, Timestamp: time.Now().UTC()}, true)
}

// Republish sends every retained accessory topic again. Wire it to the
// client's on-connect hook so a broker that lost its retained store is
// repopulated after a reconnect.
func (e *Exposure) Republish() {
	e.mu.RLock()
	snapshot := make([]published, 0, len(e.accessories))
	for _, acc := range e.accessories {
		cp := *acc
		cp.values = make(map[accessory.CharacteristicKind]accessory.Value, len(acc.values))
		for k, v := range acc.values {
			cp.values[k] = v
		}
		snapshot = append(snapshot, cp)
	}
	e.mu.RUnlock()

	e.publishBridge()

	now := time.Now().UTC()
	for _, acc := range snapshot {
		errs := []error{
			e.publishJSON(e.topics.AccessoryConfig(acc.id), newAccessoryMessage(acc.id, acc.info), true),
			e.publishFlag(e.topics.AccessoryService(acc.id), acc.service),
			e.publishFlag(e.topics.AccessoryReachable(acc.id), acc.reachable),
		}
		for kind, v := range acc.values {
			errs = append(errs, e.publishJSON(e.topics.Characteristic(acc.id, string(kind)), ValueMessage{Value: v, Timestamp: now}, true))
		}
		for _, err := range errs {
			if err != nil {
				e.log().Warn("republish failed", "accessory", acc.info.Name, "error", err)
				break
			}
		}
	}
}

// Len returns the number of registered accessories.
func (e *Exposure) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.accessories)
}

func (e *Exposure) setFlag(name string, update func(*published)) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accessories[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccessory, name)
	}
	update(acc)
	return acc.id, nil
}

func (e *Exposure) publishFlag(topic string, value bool) error {
	return e.publishJSON(topic, FlagMessage{Value: value, Timestamp: time.Now().UTC()}, true)
}

func (e *Exposure) publishJSON(topic string, msg any, retained bool) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	if err := e.client.Publish(topic, payload, e.qos, retained); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// handleMessage routes one inbound request. Returned errors are logged by
// the mqtt client.
func (e *Exposure) handleMessage(topic string, payload []byte) error {
	in, ok := e.topics.ParseInbound(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}

	e.mu.RLock()
	name, known := e.names[in.ID]
	h := e.handler
	e.mu.RUnlock()

	if h == nil {
		return ErrHandlerRequired
	}

	req, explicit := parseRequest(payload)
	if !explicit {
		req.RequestID = uuid.NewString()
	}
	kind := accessory.CharacteristicKind(in.Characteristic)

	if !known {
		e.respond(req.RequestID, explicit, ResponseMessage{
			Accessory:      in.ID,
			Characteristic: kind,
			Error:          accessory.ErrNotFound.Error(),
		})
		return fmt.Errorf("%w: %s", ErrUnknownAccessory, in.ID)
	}

	switch in.Action {
	case mqtt.ActionSet:
		e.log().Debug("set requested", "accessory", name, "characteristic", kind, "value", req.Value, "request_id", req.RequestID)
		h.Set(name, kind, req.Value, func(err error) {
			resp := ResponseMessage{Accessory: name, Characteristic: kind, OK: err == nil}
			if err != nil {
				resp.Error = err.Error()
				e.log().Warn("set failed", "accessory", name, "characteristic", kind, "request_id", req.RequestID, "error", err)
			}
			e.respond(req.RequestID, explicit, resp)
		})

	case mqtt.ActionGet:
		h.Get(name, kind, func(v accessory.Value, err error) {
			resp := ResponseMessage{Accessory: name, Characteristic: kind, OK: err == nil, Value: v}
			if err != nil {
				resp.Error = err.Error()
				resp.Value = nil
				e.log().Warn("get failed", "accessory", name, "characteristic", kind, "request_id", req.RequestID, "error", err)
			} else if perr := e.UpdateCharacteristic(name, kind, v); perr != nil {
				e.log().Warn("publishing get result failed", "accessory", name, "error", perr)
			}
			e.respond(req.RequestID, explicit, resp)
		})

	case mqtt.ActionIdentify:
		e.log().Info("identify requested", "accessory", name)
		h.Identify(name)
	}
	return nil
}

// respond publishes a response when the requester asked for one.
func (e *Exposure) respond(requestID string, explicit bool, resp ResponseMessage) {
	if !explicit {
		return
	}
	resp.RequestID = requestID
	resp.Timestamp = time.Now().UTC()
	if err := e.publishJSON(e.topics.Response(requestID), resp, false); err != nil {
		e.log().Warn("response publish failed", "request_id", requestID, "error", err)
	}
}
