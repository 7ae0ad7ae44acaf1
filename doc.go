// Package acqstreams is a hardware-acquisition driver framework: it
// moves sample streams from measurement devices (logic analyzers,
// multimeters, replayed captures) to consumers through a uniform
// datafeed.
//
// # Architecture
//
// The framework is built around a single-threaded session core and a
// narrow driver boundary:
//
//   - session: owns the devices of one acquisition run and drives all
//     their event sources from one cooperative reactor loop. Drivers
//     submit packets and register sources through the device.Feed
//     capability; consumers register datafeed callbacks and transforms.
//   - device: the fixed capability interface every driver implements
//     (scan, open, configure, start, stop) plus per-device instance
//     state. A registry built at startup replaces global driver tables.
//   - datafeed: the packet union flowing from drivers to consumers:
//     Header, Meta, Trigger, Logic, Analog, frame markers, End.
//   - trigger: declarative per-channel conditions compiled once per
//     acquisition, into device registers or a software matcher.
//   - decode: turns the cluster-encoded sample memory of devices into
//     gap-filled, trigger-annotated logic packets.
//   - transfer: the asynchronous transfer pool for streaming devices,
//     with soft-trigger scanning and pre-trigger retention.
//   - transport: the byte boundary under the drivers: timed reads and
//     writes, an async submitter, serial and in-memory implementations.
//
// Drivers live under drivers/ (memla, streamla, demo, modbusdmm,
// replay); output bridges under output/ publish the datafeed to
// WebSocket clients and NATS subjects. cmd/acqstreams ties the pieces
// together behind a YAML capture configuration.
//
// # Concurrency model
//
// All acquisition work runs on the session's reactor goroutine. Only
// Session.Stop may be called from other goroutines; it marshals the
// stop request into the loop. Output bridges decouple their consumers
// from the session thread with bounded queues.
package acqstreams
