package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementReceiverState      = "receiver_state"
	MeasurementReceiverConnection = "receiver_connection"
)

// WriteReceiverState records one receiver facet value.
//
// Numeric values land in the "value" field so they can be graphed.
// Enumerations (power, source input) land in the "state" string field;
// power additionally writes value 1 for ON and 0 for STANDBY.
// Other types are ignored.
//
//	client.WriteReceiverState("living-room", "main_volume", uint32(230))
//	client.WriteReceiverState("living-room", "power", "ON")
func (c *Client) WriteReceiverState(receiverID, key string, value any) {
	fields := stateFields(value)
	if fields == nil {
		return
	}
	c.writePoint(MeasurementReceiverState, map[string]string{
		"receiver_id": receiverID,
		"key":         key,
	}, fields, time.Now())
}

// WriteConnectionState records a connect or disconnect of the receiver link.
func (c *Client) WriteConnectionState(receiverID string, connected bool) {
	c.writePoint(MeasurementReceiverConnection, map[string]string{
		"receiver_id": receiverID,
	}, map[string]interface{}{
		"connected": connected,
	}, time.Now())
}

// WritePoint writes a custom point at the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.writePoint(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	c.writePoint(measurement, tags, fields, timestamp)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

func stateFields(value any) map[string]interface{} {
	switch v := value.(type) {
	case uint32:
		return map[string]interface{}{"value": int64(v)}
	case int:
		return map[string]interface{}{"value": int64(v)}
	case int64:
		return map[string]interface{}{"value": v}
	case float64:
		return map[string]interface{}{"value": v}
	case string:
		fields := map[string]interface{}{"state": v}
		switch v {
		case "ON":
			fields["value"] = int64(1)
		case "STANDBY":
			fields["value"] = int64(0)
		}
		return fields
	case bool:
		return map[string]interface{}{"state": v}
	default:
		return nil
	}
}
