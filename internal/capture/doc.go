// Package capture moves emtrace bytes between processes and files:
// opening decoder inputs (stdin, files, TCP and unix sockets), transparent
// zstd/lz4 compression, producer file sinks, and metadata snapshots that
// let a decoder resolve identities without the producer running.
package capture
