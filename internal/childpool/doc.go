// Package childpool tracks the pool of kit (child renderer) processes
// borrowed by brokers: which kit is leased to which document, liveness
// of registered kits, reclaiming kits whose lease outlived its document's
// broker, and a bounded history of recent save outcomes per document.
//
// The durable state lives in the same embedded Pebble store as the rest
// of the process (see internal/storage/pebble), keyed under childpool/.
package childpool
