// Package session coordinates every operation against a single device.
//
// A Session sits between callers and a device.Transport whose completion
// signals are unreliable. It guarantees at most one physical call per
// operation kind at a time: concurrent callers of the same kind join the
// in-flight call and receive its result. Connect and disconnect are confirmed
// by state-change notifications, with a watchdog that force-resolves them from
// freshly read state when the notification never arrives.
//
// Link state is owned by the transport. The session owns the init results
// (feature mask, channel counts), the battery and device-info caches and the
// battery poll, all of which are reset when a disconnect is confirmed.
package session
