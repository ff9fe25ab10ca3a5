// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic room temperature states, and subscribes to configured topics
// for ambient sensor readings. Ember appears as a native HA device with
// one temperature sensor entity per room and availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each room known at that moment and a birth message ("online") to the
// availability topic; rooms created later get their discovery payload
// on the publish cycle that first sees them. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt
