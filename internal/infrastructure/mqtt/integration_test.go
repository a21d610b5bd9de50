//go:build integration

package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shellbridge/internal/infrastructure/config"
)

// Broker tests. They need a Mosquitto broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	cfg.TopicPrefix = "shellbridge-it"
	return cfg
}

func connectT(t *testing.T, clientID string) *Client {
	t.Helper()
	client, err := Connect(integrationConfig(clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return client
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	client, err := Connect(integrationConfig("shellbridge-it-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.Publish("a", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close() error = %v", err)
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("shellbridge-it-refused")
	cfg.Broker.Port = 19999
	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client := connectT(t, "shellbridge-it-subs")
	topics := client.Topics()
	handler := func(string, []byte) error { return nil }

	for _, topic := range []string{topics.AllSets(), topics.AllGets(), topics.AllIdentify()} {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if n := client.SubscriptionCount(); n != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", n)
	}
	if err := client.Unsubscribe(topics.AllGets()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics.AllGets()) {
		t.Error("unsubscribed topic still tracked")
	}
}

func TestIntegration_WildcardRoundtrip(t *testing.T) {
	pub := connectT(t, "shellbridge-it-pub")
	sub := connectT(t, "shellbridge-it-sub")
	topics := sub.Topics()

	var (
		mu       sync.Mutex
		received = make(map[string]string)
	)
	err := sub.Subscribe(topics.AllSets(), 1, func(topic string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		received[topic] = string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	sent := map[string]string{
		topics.CharacteristicSet("lamp", "On"):              "true",
		topics.CharacteristicSet("door", "TargetDoorState"): "1",
		topics.CharacteristicSet("blind", "TargetPosition"): "100",
	}
	for topic, payload := range sent {
		if err := pub.Publish(topic, []byte(payload), 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == len(sent) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for topic, payload := range sent {
		if received[topic] != payload {
			t.Errorf("received[%s] = %q, want %q", topic, received[topic], payload)
		}
	}
}

func TestIntegration_HandlerErrorsLogged(t *testing.T) {
	pub := connectT(t, "shellbridge-it-err-pub")
	sub := connectT(t, "shellbridge-it-err-sub")
	logger := &mockLogger{}
	sub.SetLogger(logger)

	topic := sub.Topics().Identify("lamp")
	if err := sub.Subscribe(topic, 1, func(string, []byte) error { return errors.New("rejected") }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := pub.Publish(topic, nil, 1, false); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		logger.mu.Lock()
		n := len(logger.warns)
		logger.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("handler error was not logged")
}
