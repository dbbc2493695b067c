// Package chronicle implements a persistent, memory-mapped,
// single-producer/multi-reader append-only log optimized for
// ultra-low-latency market-data and order-flow IPC.
//
// A queue is a directory containing fixed-size segment files plus a
// control block and per-reader position files. A single Writer appends
// length-prefixed records; any number of independent Readers consume at
// their own pace; a background retention worker reclaims segments once
// no live reader still needs them.
package chronicle
