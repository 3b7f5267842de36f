package mqtt

import "fmt"

// TopicPrefix is the root of every topic this service publishes or reads.
// The per-receiver builders live next to the message types in the denon
// bridge package; this file only carries the service-wide topics and the
// subscription patterns.
const TopicPrefix = "denon"

// Topics provides builders for service-wide topics and wildcard patterns.
//
//	pattern := mqtt.Topics{}.AllStates()
//	// "denon/state/+/+"
type Topics struct{}

// SystemStatus returns the process online/offline topic.
//
// Example: denon/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", TopicPrefix)
}

// AllStates matches every retained state topic of every receiver.
//
// Pattern: denon/state/+/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefix)
}

// ReceiverStates matches the state topics of one receiver.
//
// Pattern: denon/state/{receiverID}/+
func (Topics) ReceiverStates(receiverID string) string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, receiverID)
}

// AllCommands matches the command topics of every receiver.
//
// Pattern: denon/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllAcks matches the command acknowledgement topics.
//
// Pattern: denon/ack/+
func (Topics) AllAcks() string {
	return fmt.Sprintf("%s/ack/+", TopicPrefix)
}

// AllHealth matches every receiver's health topic.
//
// Pattern: denon/health/+
func (Topics) AllHealth() string {
	return fmt.Sprintf("%s/health/+", TopicPrefix)
}

// AllResponses matches request responses for one receiver.
//
// Pattern: denon/response/{receiverID}/+
func (Topics) AllResponses(receiverID string) string {
	return fmt.Sprintf("%s/response/%s/+", TopicPrefix, receiverID)
}

// AllTopics matches everything under the prefix.
//
// Pattern: denon/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
