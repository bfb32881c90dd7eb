// SPDX-License-Identifier: GPL-3.0-or-later

package goldengate

import (
	"math/rand/v2"
	"net"
	"time"
)

// Config holds common configuration shared by Golden Gate elements.
//
// Pass this to constructor functions to pre-wire dependencies. All fields
// have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc], which backs the Stack Builder's
	// "S" (datagram socket) element.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// Rand is a source of randomness carried by this configuration. No
	// element in this module reads it: the CoAP endpoint seeds its
	// message IDs from the Rand field of its own coap.Config, and the
	// Gattlink session-reset packet carries a fixed protocol version, not
	// a nonce.
	//
	// Set by [NewConfig] to a [*rand.Rand] seeded from the runtime's
	// default random source.
	Rand *rand.Rand
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
		Rand:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}
