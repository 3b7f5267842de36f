// Package history keeps a local log of receiver state changes in SQLite.
//
// Every decoded report that changed the cached value is recorded with the
// receiver it came from, the state key slug ("main_volume"), the value in
// its display form ("230", "ON", "DVD") and the source of the change. The
// log survives restarts and is served by the HTTP API.
package history
