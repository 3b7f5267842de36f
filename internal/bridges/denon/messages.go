package denon

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MQTT message types exchanged between the bridge and the rest of the
// home automation system.

// CommandMessage asks the bridge to change one receiver facet.
// Topic: denon/command/{receiver_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued.
	Timestamp time.Time `json:"timestamp"`

	// Key names the facet: power, source_input, main_volume, max_volume
	// (facet names and wire prefixes are accepted too).
	Key string `json:"key"`

	// Value is the new value: "ON"/"STANDBY" or a bool for power, an input
	// name, or a number for volumes.
	Value any `json:"value"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was written to the receiver.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: denon/ack/{receiver_id}
type AckMessage struct {
	CommandID  string    `json:"command_id"`
	Timestamp  time.Time `json:"timestamp"`
	ReceiverID string    `json:"receiver_id"`
	Key        string    `json:"key"`
	Status     AckStatus `json:"status"`
	Error      *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage reports the current value of one facet.
// Topic: denon/state/{receiver_id}/{key}
// QoS: 1, Retained: Yes
type StateMessage struct {
	ReceiverID string     `json:"receiver_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Key        string     `json:"key"`
	Value      StateValue `json:"value"`
}

// Request actions.
const (
	ActionReadState = "read_state"
	ActionReadAll   = "read_all"
	ActionRefresh   = "refresh"
)

// RequestMessage asks the bridge for information.
// Topic: denon/request/{receiver_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is one of read_state, read_all, refresh.
	Action string `json:"action"`

	// Key is required for read_state.
	Key string `json:"key,omitempty"`
}

// ResponseMessage answers a request.
// Topic: denon/response/{receiver_id}/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge and the receiver connection are up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge runs but the receiver is unreachable.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline is published by the broker via LWT.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: denon/health/{receiver_id}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Receiver      string              `json:"receiver"`
	Timestamp     time.Time           `json:"timestamp"`
	Status        HealthStatus        `json:"status"`
	Version       string              `json:"version,omitempty"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Connection    *ConnectionStatus   `json:"connection,omitempty"`
	Statistics    *ReceiverStatistics `json:"statistics,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

// ConnectionStatus describes the receiver connection.
type ConnectionStatus struct {
	Status       string     `json:"status"`
	Address      string     `json:"address"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// ReceiverStatistics mirrors Stats for the health payload.
type ReceiverStatistics struct {
	LinesReceived  uint64 `json:"lines_received"`
	LinesIgnored   uint64 `json:"lines_ignored"`
	CommandsSent   uint64 `json:"commands_sent"`
	QueriesSent    uint64 `json:"queries_sent"`
	GetTimeouts    uint64 `json:"get_timeouts"`
	UpdatesDropped uint64 `json:"updates_dropped"`
	Errors         uint64 `json:"errors"`
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(receiverID string, cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID:  cmd.ID,
		Timestamp:  time.Now().UTC(),
		ReceiverID: receiverID,
		Key:        cmd.Key,
		Status:     status,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(receiverID string, cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(receiverID, cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for one facet.
func NewStateMessage(receiverID string, key StateKey, value StateValue, ts time.Time) StateMessage {
	return StateMessage{
		ReceiverID: receiverID,
		Timestamp:  ts.UTC(),
		Key:        key.Slug(),
		Value:      value,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(receiverID, address, version string, status HealthStatus, stats Stats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Receiver:      receiverID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection: &ConnectionStatus{
			Status:  "disconnected",
			Address: address,
		},
		Statistics: &ReceiverStatistics{
			LinesReceived:  stats.LinesRx,
			LinesIgnored:   stats.LinesIgnored,
			CommandsSent:   stats.CommandsTx,
			QueriesSent:    stats.QueriesTx,
			GetTimeouts:    stats.GetTimeouts,
			UpdatesDropped: stats.UpdatesDropped,
			Errors:         stats.ErrorsTotal,
		},
	}
	if stats.Connected {
		last := stats.LastActivity.UTC()
		msg.Connection.Status = "connected"
		msg.Connection.LastActivity = &last
	}
	return msg
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disappears.
func NewLWTMessage(receiverID string) HealthMessage {
	return HealthMessage{
		Receiver:  receiverID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// newMessageID returns a random identifier for generated commands.
func newMessageID() string {
	return uuid.NewString()
}

// Topic helpers

// TopicPrefix is the base topic for all receiver messages.
const TopicPrefix = "denon"

// StateTopic returns the retained state topic for one facet.
// Example: denon/state/living-room/main_volume
func StateTopic(receiverID string, key StateKey) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, receiverID, key.Slug())
}

// CommandTopic returns the topic commands are received on.
// Example: denon/command/living-room
func CommandTopic(receiverID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, receiverID)
}

// AckTopic returns the topic acknowledgments are published on.
func AckTopic(receiverID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, receiverID)
}

// RequestTopic returns the topic requests are received on.
func RequestTopic(receiverID string) string {
	return fmt.Sprintf("%s/request/%s", TopicPrefix, receiverID)
}

// ResponseTopic returns the topic a response is published on.
// Example: denon/response/living-room/req-123
func ResponseTopic(receiverID, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, receiverID, requestID)
}

// HealthTopic returns the retained health topic.
func HealthTopic(receiverID string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, receiverID)
}
