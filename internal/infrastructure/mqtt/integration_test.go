//go:build integration

package mqtt

import (
	"context"
	"testing"
	"time"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func TestIntegration_ConnectAndHealth(t *testing.T) {
	client := connectTest(t, "dispatchd-int-health")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestIntegration_ReplyRoundtrip(t *testing.T) {
	client := connectTest(t, "dispatchd-int-roundtrip")
	topics := client.Topics()

	received := make(chan string, 1)
	err := client.Subscribe(topics.AllDeviceReplies(), 1, func(topic string, _ []byte) error {
		device, _ := topics.DeviceFromReply(topic)
		received <- device
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topics.AllDeviceReplies()) {
		t.Error("subscription not tracked")
	}

	time.Sleep(100 * time.Millisecond)

	if err := client.Publish(context.Background(), topics.DeviceReply("acu-17"), []byte(`{}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case device := <-received:
		if device != "acu-17" {
			t.Errorf("device = %q, want acu-17", device)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not received")
	}

	if err := client.Unsubscribe(topics.AllDeviceReplies()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestIntegration_Close(t *testing.T) {
	client := connectTest(t, "dispatchd-int-close")

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}
