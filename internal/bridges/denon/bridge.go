package denon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// requestTimeout bounds a read_state request including the query round trip.
	requestTimeout = 5 * time.Second

	// persistTimeout bounds history writes triggered by a report.
	persistTimeout = 2 * time.Second
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// StateRecorder persists state changes. Satisfied by the history store
// (via adapter in main.go). Optional.
type StateRecorder interface {
	RecordState(ctx context.Context, receiverID, key, value, source string) error
}

// TelemetryWriter writes state values to a time-series database. Optional.
type TelemetryWriter interface {
	WriteReceiverState(receiverID, key string, value any)
}

// Refresher re-queries every facet. Satisfied by *Supervisor and *Connection.
type Refresher interface {
	Refresh() error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// ReceiverID names the receiver in topics and payloads.
	ReceiverID string

	// Address is reported in health messages.
	Address string

	// Version is the software version reported in health messages.
	Version string

	// HealthInterval is how often health is published.
	HealthInterval time.Duration

	// VolumeLimit caps main volume commands. Zero disables the cap.
	VolumeLimit uint32

	MQTTClient MQTTClient
	Receiver   Controller

	// History is optional state-change persistence.
	History StateRecorder

	// Telemetry is optional time-series output.
	Telemetry TelemetryWriter

	Logger Logger
}

// Bridge translates between MQTT and the receiver.
// It handles:
//   - Commands from MQTT, applied with Set and acknowledged
//   - Requests from MQTT, answered from the cache or with Get
//   - Receiver reports, published as retained state and persisted
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts     BridgeOptions
	mqtt     MQTTClient
	receiver Controller
	health   *HealthReporter

	wg        sync.WaitGroup
	stopOnce  sync.Once
	mu        sync.Mutex
	stopping  bool
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.ReceiverID == "" {
		return nil, fmt.Errorf("receiver id is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Receiver == nil {
		return nil, fmt.Errorf("receiver is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		opts:      opts,
		mqtt:      opts.MQTTClient,
		receiver:  opts.Receiver,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		ReceiverID: opts.ReceiverID,
		Address:    opts.Address,
		Version:    opts.Version,
		Interval:   opts.HealthInterval,
		Publisher:  opts.MQTTClient,
		Receiver:   opts.Receiver,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to command and request topics and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := CommandTopic(b.opts.ReceiverID)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestTopic(b.opts.ReceiverID)
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started", "receiver_id", b.opts.ReceiverID)
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopping = true
		b.mu.Unlock()

		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// Health returns the bridge's health reporter, for LWT setup.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// HandleUpdate publishes and persists one receiver report. Reports that
// repeat the cached value are skipped.
func (b *Bridge) HandleUpdate(u Update) {
	if !u.Changed {
		return
	}

	msg := NewStateMessage(b.opts.ReceiverID, u.Key, u.Value, u.Timestamp)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(b.opts.ReceiverID, u.Key), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}

	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteReceiverState(b.opts.ReceiverID, u.Key.Slug(), u.Value.Any())
	}

	if b.opts.History != nil {
		ctx, cancel := context.WithTimeout(b.ctx, persistTimeout)
		defer cancel()
		if err := b.opts.History.RecordState(ctx, b.opts.ReceiverID, u.Key.Slug(), u.Value.String(), "receiver"); err != nil {
			b.logDebug("history record skipped", "key", u.Key.Slug(), "reason", err.Error())
		}
	}
}

// HandleConnectionChange republishes health when the receiver connects or
// disconnects.
func (b *Bridge) HandleConnectionChange(connected bool) {
	b.logInfo("receiver connection changed", "connected", connected)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(payload)
	case "request":
		// Requests may wait for a query round trip; keep the MQTT
		// dispatcher free. No new workers start once Stop has begun.
		b.mu.Lock()
		if b.stopping {
			b.mu.Unlock()
			b.logDebug("request dropped, bridge stopping")
			return
		}
		b.wg.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.wg.Done()
			b.handleRequest(payload)
		}()
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand applies a command message and acknowledges it.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = newMessageID()
	}

	b.logInfo("received command", "command_id", cmd.ID, "key", cmd.Key, "source", cmd.Source)

	key, err := ParseStateKey(cmd.Key)
	if err != nil {
		b.publishAck(NewAckError(b.opts.ReceiverID, cmd, ErrCodeInvalidCommand, err.Error()))
		return
	}

	value, err := ParseAny(key, cmd.Value)
	if err != nil {
		b.publishAck(NewAckError(b.opts.ReceiverID, cmd, ErrCodeInvalidParameters, err.Error()))
		return
	}
	if key == KeyMainVolume {
		value = ClampVolume(value, b.opts.VolumeLimit)
	}

	if err := b.receiver.Set(key, value); err != nil {
		code := ErrCodeBridgeError
		switch {
		case errors.Is(err, ErrNotConnected), errors.Is(err, ErrWriteFailed):
			code = ErrCodeDeviceUnreachable
		case errors.Is(err, ErrInvalidValue):
			code = ErrCodeInvalidParameters
		}
		b.logError("command execution failed", err)
		b.publishAck(NewAckError(b.opts.ReceiverID, cmd, code, err.Error()))
		return
	}

	b.publishAck(NewAckMessage(b.opts.ReceiverID, cmd, AckAccepted))
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(b.opts.ReceiverID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest answers a request message.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		b.logError("request without request_id", nil)
		return
	}

	var resp ResponseMessage
	switch req.Action {
	case ActionReadState:
		resp = b.handleReadState(req)
	case ActionReadAll:
		resp = b.handleReadAll(req)
	case ActionRefresh:
		resp = b.handleRefresh(req)
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}
	if err := b.mqtt.Publish(ResponseTopic(b.opts.ReceiverID, req.RequestID), respPayload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	key, err := ParseStateKey(req.Key)
	if err != nil {
		return errorResponse(req, ErrCodeInvalidParameters, err.Error())
	}

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	value, err := b.receiver.Get(ctx, key)
	if err != nil {
		return errorResponse(req, ErrCodeDeviceUnreachable, err.Error())
	}
	if value.IsUnknown() {
		return errorResponse(req, ErrCodeTimeout, fmt.Sprintf("receiver did not report %s", key))
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      map[string]any{"key": key.Slug(), "value": value.Any()},
	}
}

func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	data := make(map[string]any, len(AllStateKeys))
	for _, e := range b.receiver.Snapshot() {
		data[e.Key.Slug()] = e.Value.Any()
	}
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func (b *Bridge) handleRefresh(req RequestMessage) ResponseMessage {
	r, ok := b.receiver.(Refresher)
	if !ok {
		return errorResponse(req, ErrCodeBridgeError, "refresh not supported")
	}
	if err := r.Refresh(); err != nil {
		return errorResponse(req, ErrCodeDeviceUnreachable, err.Error())
	}
	return ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC(), Success: true}
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// Fanout returns an update callback that invokes every non-nil fn in order.
func Fanout(fns ...func(Update)) func(Update) {
	return func(u Update) {
		for _, fn := range fns {
			if fn != nil {
				fn(u)
			}
		}
	}
}

// logInfo logs an info message if a logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		if err != nil {
			logger.Error(msg, "error", err)
		} else {
			logger.Error(msg)
		}
	}
}

// logDebug logs a debug message if a logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
