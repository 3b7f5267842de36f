// Package denon implements a stateful control client for Denon AV receivers.
//
// The receiver speaks a line protocol over TCP (port 23): ASCII commands and
// reports terminated by a carriage return. This package keeps a live,
// eventually consistent copy of four control facets by reading reports in a
// background goroutine, while callers issue commands and read the cache.
//
// # Architecture
//
//	  callers ──Set/Get──► Connection ──write──► socket ──► receiver
//	                          │  ▲
//	                     cache│  │Upsert
//	                          ▼  │
//	                       StateCache ◄── Decode ◄── Framer ◄── socket
//	                                        (sync loop goroutine)
//
// The Connection owns the write side, the sync loop owns the read side.
// Get answers from the cache; on a miss it sends one query and polls the
// cache for a bounded time before returning Unknown.
//
// # Wire Format
//
//	PW?      query power           PWON / PWSTANDBY
//	SI?      query source input    SICD, SINET/USB, ...
//	MV?      query main volume     MV230 (values below 100 are whole dB and scaled by 10)
//	MVMAX?   query max volume      MVMAX 86
//
// Example:
//
//	conn, err := denon.Connect(ctx, denon.Config{Address: "192.168.1.20"})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.Set(denon.KeyPower, denon.PowerValue(denon.PowerOn)); err != nil {
//	    return err
//	}
//	vol, err := conn.Get(ctx, denon.KeyMainVolume)
//
// # Long-running Use
//
// A Connection never reconnects. Supervisor wraps it with exponential
// backoff and a circuit breaker, and Bridge exposes the receiver over MQTT.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines,
// except Framer, which belongs to a single reader.
package denon
