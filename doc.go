// SPDX-License-Identifier: GPL-3.0-or-later

// Package goldengate provides the ambient stack shared by every Golden Gate
// element: configuration, structured logging, error classification, and
// span correlation.
//
// # Scope
//
// Golden Gate is a portable, embeddable networking stack that lets a
// constrained peripheral and a mobile/host gateway exchange secured,
// segmented datagrams over an unreliable, low-MTU transport (typically a
// Bluetooth LE GATT characteristic pair). This package holds the
// cross-cutting concerns; the protocol subsystems live in sibling packages:
//
//   - github.com/bassosimone/goldengate/core: buffers, metadata, and the
//     source/sink back-pressure contract every element implements.
//   - github.com/bassosimone/goldengate/loop: the single-threaded
//     cooperative event loop, timer scheduler, and cross-thread proxies.
//   - github.com/bassosimone/goldengate/ipframe: IPv4/UDP encapsulation
//     and parsing.
//   - github.com/bassosimone/goldengate/nip: the Nano-IP single-interface
//     IPv4/UDP demultiplexer.
//   - github.com/bassosimone/goldengate/gattlink: the sliding-window
//     reliable link-layer framer.
//   - github.com/bassosimone/goldengate/dtls: the DTLS adapter bridging a
//     datagram TLS library into the source/sink pipeline.
//   - github.com/bassosimone/goldengate/coap: the CoAP endpoint (requests,
//     responses, tokens, deduplication, retransmission), plus the
//     coap/blockwise and coap/eventemitter sub-packages.
//   - github.com/bassosimone/goldengate/stack: the stack builder that
//     parses a descriptor string and wires elements together.
//
// # Composition
//
// This package is built around the same single-shot-pipeline interface the
// rest of the ambient stack is carried from:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Use [Compose2] through [Compose8] to chain [Func] instances for
// operations with exactly one success mode and one failure mode (dialing a
// socket, performing a handshake). The stateful, back-pressured wiring
// between stack elements is a different, persistent protocol and is
// modeled separately by the core package's Source/Sink interfaces: never
// force stream wiring through [Func] composition.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled; set a custom [*slog.Logger]
// to enable it. Error classification is configurable via [ErrClassifier];
// by default [DefaultErrClassifier] classifies errors with the errclass
// module. Use [NewSpanID] to correlate the
// packets of a single CoAP exchange, DTLS handshake, or Gattlink session
// under one identifier.
//
// # Design Boundaries
//
// Platform socket bindings, the DTLS cryptographic primitives' own wire
// format, the JSON-RPC remote-shell development harness, CLI tools,
// example applications, and language bindings are out of scope for this
// module.
package goldengate
