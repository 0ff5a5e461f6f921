// Package device defines the contract between the session layer and the
// native link driver for bio-sensing devices.
//
// This package provides:
//   - The Transport verb surface (scan, connect, channel init, battery, device info)
//   - Link states, channel kinds and configurable feature-mask bits
//   - The event types published on the driver's single event stream
//   - Structured connection errors and driver error normalization
//
// A Transport performs no retries and no request coalescing; both live in the
// session package.
package device
