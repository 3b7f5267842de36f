// Package mqtt provides the MQTT client used by the receiver bridge.
//
// It wraps paho.mqtt.golang with:
//   - auto-reconnect and subscription restore
//   - input validation on publish and subscribe
//   - panic recovery around message handlers
//   - a Last Will and Testament so subscribers see the bridge go offline
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:    bridge.Health().LWTTopic(),
//	    Payload:  lwt,
//	    QoS:      1,
//	    Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("%s = %s", topic, payload)
//	        return nil
//	    })
//
// Tests that talk to a broker live behind the "integration" build tag and
// expect Mosquitto on 127.0.0.1:1883.
package mqtt
