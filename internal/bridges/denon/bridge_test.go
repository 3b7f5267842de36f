package denon

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	connected bool
	handlers  map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// PublishedTo returns messages published to topics starting with prefix.
func (m *MockMQTTClient) PublishedTo(prefix string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if strings.HasPrefix(p.Topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// mockRecorder implements StateRecorder and TelemetryWriter.
type mockRecorder struct {
	mu        sync.Mutex
	history   []string
	telemetry []any
}

func (r *mockRecorder) RecordState(_ context.Context, receiverID, key, value, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, receiverID+"/"+key+"="+value+"@"+source)
	return nil
}

func (r *mockRecorder) WriteReceiverState(_, _ string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = append(r.telemetry, value)
}

func newTestBridge(t *testing.T) (*Bridge, *MockMQTTClient, *MemoryStream, *mockRecorder) {
	t.Helper()

	stream := NewMemoryStream()
	stream.SetResponder(EmulateReceiver(map[StateKey]string{KeyPower: "ON"}))
	conn, err := NewConnection(stream, Config{PollInterval: time.Millisecond, PollAttempts: 100, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	mqtt := NewMockMQTTClient()
	rec := &mockRecorder{}
	b, err := NewBridge(BridgeOptions{
		ReceiverID:  "living-room",
		Address:     "192.168.1.20:23",
		Version:     "test",
		VolumeLimit: 50,
		MQTTClient:  mqtt,
		Receiver:    conn,
		History:     rec,
		Telemetry:   rec,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, mqtt, stream, rec
}

func TestNewBridgeValidation(t *testing.T) {
	conn, err := NewConnection(NewMemoryStream(), Config{})
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	defer conn.Close()

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing receiver id", BridgeOptions{MQTTClient: NewMockMQTTClient(), Receiver: conn}},
		{"missing mqtt", BridgeOptions{ReceiverID: "r", Receiver: conn}},
		{"missing receiver", BridgeOptions{ReceiverID: "r", MQTTClient: NewMockMQTTClient()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() should fail")
			}
		})
	}
}

func TestBridgeStartPublishesHealth(t *testing.T) {
	_, mqtt, _, _ := newTestBridge(t)

	health := mqtt.PublishedTo(HealthTopic("living-room"))
	if len(health) < 2 {
		t.Fatalf("health messages = %d, want at least 2", len(health))
	}
	var msg HealthMessage
	if err := json.Unmarshal(health[len(health)-1].Payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if msg.Status != HealthHealthy {
		t.Errorf("Status = %q, want %q", msg.Status, HealthHealthy)
	}
	if !health[0].Retained {
		t.Error("health must be retained")
	}
}

func TestBridgeCommandSetsValue(t *testing.T) {
	_, mqtt, stream, _ := newTestBridge(t)

	payload := []byte(`{"id":"cmd-1","key":"power","value":"STANDBY","source":"api"}`)
	mqtt.SimulateMessage(CommandTopic("living-room"), payload)

	if got := stream.Written(); got != "PWSTANDBY\r" {
		t.Errorf("written = %q, want %q", got, "PWSTANDBY\r")
	}

	acks := mqtt.PublishedTo(AckTopic("living-room"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.CommandID != "cmd-1" || ack.Status != AckAccepted {
		t.Errorf("ack = %+v, want accepted cmd-1", ack)
	}
}

func TestBridgeCommandClampsVolume(t *testing.T) {
	_, mqtt, stream, _ := newTestBridge(t)

	mqtt.SimulateMessage(CommandTopic("living-room"), []byte(`{"key":"main_volume","value":127}`))

	if got := stream.Written(); got != "MV50\r" {
		t.Errorf("written = %q, want %q", got, "MV50\r")
	}
}

func TestBridgeCommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"unknown key", `{"id":"c","key":"bass","value":1}`, ErrCodeInvalidCommand},
		{"bad value", `{"id":"c","key":"source_input","value":"VHS"}`, ErrCodeInvalidParameters},
		{"wrong type", `{"id":"c","key":"main_volume","value":"loud"}`, ErrCodeInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mqtt, stream, _ := newTestBridge(t)
			mqtt.SimulateMessage(CommandTopic("living-room"), []byte(tt.payload))

			if stream.Written() != "" {
				t.Errorf("nothing should be written, got %q", stream.Written())
			}
			acks := mqtt.PublishedTo(AckTopic("living-room"))
			if len(acks) != 1 {
				t.Fatalf("acks = %d, want 1", len(acks))
			}
			var ack AckMessage
			if err := json.Unmarshal(acks[0].Payload, &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack = %+v, want failed with %s", ack, tt.wantCode)
			}
		})
	}
}

func TestBridgeCommandWhileDisconnected(t *testing.T) {
	stream := NewMemoryStream()
	conn, err := NewConnection(stream, Config{})
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	conn.Stop()
	defer conn.Close()

	mqtt := NewMockMQTTClient()
	b, err := NewBridge(BridgeOptions{ReceiverID: "r", MQTTClient: mqtt, Receiver: conn})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	b.handleCommand([]byte(`{"id":"c","key":"power","value":"ON"}`))

	acks := mqtt.PublishedTo(AckTopic("r"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	var ack AckMessage
	_ = json.Unmarshal(acks[0].Payload, &ack)
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("ack = %+v, want %s", ack, ErrCodeDeviceUnreachable)
	}
}

func TestBridgeHandleUpdatePublishesChangedState(t *testing.T) {
	b, mqtt, _, rec := newTestBridge(t)
	now := time.Now()

	b.HandleUpdate(Update{Key: KeyMainVolume, Value: IntegerValue(230), Changed: true, Timestamp: now})
	b.HandleUpdate(Update{Key: KeyMainVolume, Value: IntegerValue(230), Changed: false, Timestamp: now})

	states := mqtt.PublishedTo(StateTopic("living-room", KeyMainVolume))
	if len(states) != 1 {
		t.Fatalf("state messages = %d, want 1", len(states))
	}
	if !states[0].Retained || states[0].QoS != 1 {
		t.Errorf("state publish = %+v, want retained QoS 1", states[0])
	}

	var msg struct {
		Key   string `json:"key"`
		Value uint32 `json:"value"`
	}
	if err := json.Unmarshal(states[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.Key != "main_volume" || msg.Value != 230 {
		t.Errorf("state = %+v", msg)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.history) != 1 || rec.history[0] != "living-room/main_volume=230@receiver" {
		t.Errorf("history = %v", rec.history)
	}
	if len(rec.telemetry) != 1 || rec.telemetry[0] != uint32(230) {
		t.Errorf("telemetry = %v", rec.telemetry)
	}
}

func TestBridgeReadStateRequest(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	resp := b.handleReadState(RequestMessage{RequestID: "req-1", Action: ActionReadState, Key: "power"})
	if !resp.Success {
		t.Fatalf("response = %+v, want success", resp)
	}
	if resp.Data["value"] != "ON" {
		t.Errorf("value = %v, want ON", resp.Data["value"])
	}

	resp = b.handleReadState(RequestMessage{RequestID: "req-2", Action: ActionReadState, Key: "source_input"})
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeTimeout {
		t.Errorf("response = %+v, want %s", resp, ErrCodeTimeout)
	}
}

func TestBridgeRequestPublishesResponse(t *testing.T) {
	b, mqtt, stream, _ := newTestBridge(t)
	stream.Feed("PWON\rMV230\r")

	deadline := time.Now().Add(time.Second)
	for len(b.receiver.Snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	mqtt.SimulateMessage(RequestTopic("living-room"), []byte(`{"request_id":"all-1","action":"read_all"}`))

	var responses []mockPublish
	for time.Now().Before(deadline) {
		responses = mqtt.PublishedTo(ResponseTopic("living-room", "all-1"))
		if len(responses) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}

	var resp ResponseMessage
	if err := json.Unmarshal(responses[0].Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success || resp.Data["power"] != "ON" || resp.Data["main_volume"] != float64(230) {
		t.Errorf("response = %+v", resp)
	}
}

func TestBridgeStopWithConcurrentRequests(t *testing.T) {
	for iter := 0; iter < 20; iter++ {
		b, _, _, _ := newTestBridge(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.handleMQTTMessage(RequestTopic("living-room"), []byte(`{"request_id":"x","action":"read_all"}`))
		}()
		go func() {
			defer wg.Done()
			b.Stop()
		}()
		wg.Wait()
	}
}

func TestBridgeDropsRequestsAfterStop(t *testing.T) {
	b, mqtt, _, _ := newTestBridge(t)
	b.Stop()

	mqtt.SimulateMessage(RequestTopic("living-room"), []byte(`{"request_id":"late","action":"read_all"}`))

	time.Sleep(20 * time.Millisecond)
	if got := mqtt.PublishedTo(ResponseTopic("living-room", "late")); len(got) != 0 {
		t.Errorf("responses after Stop = %d, want 0", len(got))
	}
}

func TestBridgeRefreshRequest(t *testing.T) {
	b, _, stream, _ := newTestBridge(t)

	resp := b.handleRefresh(RequestMessage{RequestID: "r"})
	if !resp.Success {
		t.Fatalf("refresh failed: %+v", resp.Error)
	}
	if !strings.Contains(stream.Written(), "MVMAX?\r") {
		t.Errorf("written = %q, want all queries", stream.Written())
	}
}

func TestFanout(t *testing.T) {
	var calls []string
	fn := Fanout(
		func(Update) { calls = append(calls, "a") },
		nil,
		func(Update) { calls = append(calls, "b") },
	)
	fn(Update{})
	if strings.Join(calls, ",") != "a,b" {
		t.Errorf("calls = %v", calls)
	}
}
