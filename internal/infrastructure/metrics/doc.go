// Package metrics exports receiver connection statistics to Prometheus.
//
// The receiver connection keeps plain atomic counters that restart from
// zero after every reconnect. Metrics turns periodic snapshots of those
// counters into monotonic Prometheus counters, and mirrors connection,
// circuit breaker and numeric state values as gauges:
//
//	denon_lines_received_total{result="decoded|ignored"}
//	denon_commands_sent_total{kind="set|query"}
//	denon_get_timeouts_total
//	denon_updates_dropped_total
//	denon_connected
//	denon_circuit_breaker_state        0=closed 1=half-open 2=open
//	denon_state_value{key="main_volume|max_volume|power"}
package metrics
