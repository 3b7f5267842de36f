// Package influxdb records receiver state as time-series data.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// Every state change seen on the receiver connection becomes a point in the
// "receiver_state" measurement, and connection transitions become points in
// "receiver_connection":
//
//	receiver_state,receiver_id=living-room,key=main_volume value=230
//	receiver_state,receiver_id=living-room,key=power state="ON",value=1i
//	receiver_connection,receiver_id=living-room connected=true
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReceiverState("living-room", "main_volume", uint32(230))
//
// Integration tests skip unless an InfluxDB is reachable on 127.0.0.1:8086.
package influxdb
