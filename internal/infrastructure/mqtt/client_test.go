package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/shellbridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration. Tests in this file never
// dial it; broker tests live in integration_test.go.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "shellbridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "test",
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL(tls) = %q", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)
	if opts.ClientID != "shellbridge-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("auto-reconnect and clean session must be on")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config missing or below minimum version")
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, NewTopics("test"), "shellbridge-test")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillTopic != "test/system/status" {
		t.Errorf("will = enabled %v retained %v topic %q", opts.WillEnabled, opts.WillRetained, opts.WillTopic)
	}
	var status map[string]string
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if status["status"] != "offline" || status["reason"] != "unexpected_disconnect" {
		t.Errorf("will payload = %v", status)
	}
}

func TestStatusPayloads(t *testing.T) {
	for _, tt := range []struct {
		payload string
		status  string
		reason  string
	}{
		{buildOnlinePayload(`id"quoted`), "online", ""},
		{buildOfflinePayload("id"), "offline", "graceful_shutdown"},
	} {
		var got map[string]string
		if err := json.Unmarshal([]byte(tt.payload), &got); err != nil {
			t.Fatalf("payload %q is not JSON: %v", tt.payload, err)
		}
		if got["status"] != tt.status || got["reason"] != tt.reason || got["timestamp"] == "" {
			t.Errorf("payload = %v", got)
		}
	}
}

func TestDisconnectedClient(t *testing.T) {
	client := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if client.IsConnected() {
		t.Error("IsConnected() = true for a client that never connected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"publish empty topic", func() error { return client.Publish("", nil, 1, false) }, ErrInvalidTopic},
		{"publish bad qos", func() error { return client.Publish("a", nil, 3, false) }, ErrInvalidQoS},
		{"publish oversized", func() error { return client.Publish("a", make([]byte, maxPayloadSize+1), 1, false) }, ErrPublishFailed},
		{"publish disconnected", func() error { return client.PublishRetained("a", []byte("x")) }, ErrNotConnected},
		{"subscribe empty topic", func() error { return client.Subscribe("", 1, handler) }, ErrInvalidTopic},
		{"subscribe bad qos", func() error { return client.Subscribe("a", 3, handler) }, ErrInvalidQoS},
		{"subscribe nil handler", func() error { return client.Subscribe("a", 1, nil) }, ErrSubscribeFailed},
		{"subscribe disconnected", func() error { return client.Subscribe("a", 1, handler) }, ErrNotConnected},
		{"unsubscribe empty topic", func() error { return client.Unsubscribe("") }, ErrInvalidTopic},
		{"unsubscribe disconnected", func() error { return client.Unsubscribe("a") }, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if client.SubscriptionCount() != 0 || client.HasSubscription("a") {
		t.Error("failed subscriptions must not be tracked")
	}
}

func TestDispatchRecoversAndLogs(t *testing.T) {
	logger := &mockLogger{}
	client := &Client{}
	client.SetLogger(logger)

	client.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "a/b", nil)
	client.dispatch(func(string, []byte) error { panic("boom") }, "a/c", nil)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 || len(logger.errors) != 1 {
		t.Errorf("warns = %v, errors = %v", logger.warns, logger.errors)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("/home/bridge/")

	tests := []struct {
		got  string
		want string
	}{
		{topics.SystemStatus(), "home/bridge/system/status"},
		{topics.AccessoryConfig("lamp"), "home/bridge/accessory/lamp/config"},
		{topics.AccessoryService("lamp"), "home/bridge/accessory/lamp/service"},
		{topics.AccessoryReachable("lamp"), "home/bridge/accessory/lamp/reachable"},
		{topics.Identify("lamp"), "home/bridge/accessory/lamp/identify"},
		{topics.Characteristic("lamp", "On"), "home/bridge/accessory/lamp/char/On"},
		{topics.CharacteristicSet("lamp", "On"), "home/bridge/accessory/lamp/char/On/set"},
		{topics.CharacteristicGet("lamp", "On"), "home/bridge/accessory/lamp/char/On/get"},
		{topics.Response("req-1"), "home/bridge/response/req-1"},
		{topics.AllSets(), "home/bridge/accessory/+/char/+/set"},
		{topics.AllGets(), "home/bridge/accessory/+/char/+/get"},
		{topics.AllIdentify(), "home/bridge/accessory/+/identify"},
		{topics.AllTopics(), "home/bridge/#"},
		{NewTopics("").SystemStatus(), "shellbridge/system/status"},
		{Topics{}.SystemStatus(), "shellbridge/system/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseInbound(t *testing.T) {
	topics := NewTopics("sb")

	tests := []struct {
		topic string
		want  InboundTopic
		ok    bool
	}{
		{"sb/accessory/lamp/char/On/set", InboundTopic{ID: "lamp", Characteristic: "On", Action: ActionSet}, true},
		{"sb/accessory/door/char/TargetDoorState/get", InboundTopic{ID: "door", Characteristic: "TargetDoorState", Action: ActionGet}, true},
		{"sb/accessory/lamp/identify", InboundTopic{ID: "lamp", Action: ActionIdentify}, true},
		{"sb/accessory/lamp/char/On", InboundTopic{}, false},
		{"sb/accessory/lamp/char/On/delete", InboundTopic{}, false},
		{"sb/accessory//identify", InboundTopic{}, false},
		{"other/accessory/lamp/identify", InboundTopic{}, false},
		{"sb/response/abc", InboundTopic{}, false},
	}
	for _, tt := range tests {
		got, ok := topics.ParseInbound(tt.topic)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseInbound(%q) = %+v, %v; want %+v, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTopicID(t *testing.T) {
	tests := map[string]string{
		"Lamp":             "lamp",
		"Camera 1":         "camera-1",
		"  Living / Room ": "living-room",
		"TV_Sony--Bravia":  "tv-sony-bravia",
		"temp+#sensor":     "tempsensor",
	}
	for in, want := range tests {
		if got := TopicID(in); got != want {
			t.Errorf("TopicID(%q) = %q, want %q", in, got, want)
		}
		if strings.ContainsAny(TopicID(in), "/+# ") {
			t.Errorf("TopicID(%q) contains a reserved character", in)
		}
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
