// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.9 "per-element parameter array" and the
// nabbar-golib pattern (certificates/config.go, database/gorm/config.go)
// of a mapstructure-tagged options struct validated with
// github.com/go-playground/validator/v10 before use.

package stack

import (
	"fmt"
	"time"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/dtls"
	"github.com/bassosimone/goldengate/gattlink"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// decodeOptions decodes raw (an untyped parameter map, e.g. parsed from
// JSON) into T and validates it, surfacing both mapstructure decode
// errors and validator failures as [goldengate.CodeInvalidParameters],
// per spec.md §7 "user-supplied construction parameters are rejected
// with INVALID_PARAMETERS, not a panic."
func decodeOptions[T any](kind ElementKind, raw map[string]any) (T, error) {
	var out T
	if raw == nil {
		raw = map[string]any{}
	}
	if err := mapstructure.Decode(raw, &out); err != nil {
		return out, goldengate.NewError(goldengate.CodeInvalidParameters,
			fmt.Sprintf("stack: failed to decode %s options", kind), err)
	}
	if err := validate.Struct(out); err != nil {
		return out, goldengate.NewError(goldengate.CodeInvalidParameters,
			fmt.Sprintf("stack: invalid %s options", kind), err)
	}
	return out, nil
}

// GattlinkOptions configures a `G` descriptor element. Zero value is
// valid: every field maps directly onto [gattlink.Config], whose own
// defaulting takes over for anything left unset.
type GattlinkOptions struct {
	RxWindow         int           `mapstructure:"rxWindow" validate:"omitempty,min=1,max=16"`
	TxWindow         int           `mapstructure:"txWindow" validate:"omitempty,min=1,max=16"`
	OutputBufferSize int           `mapstructure:"outputBufferSize" validate:"omitempty,min=1"`
	MaxFragmentSize  int           `mapstructure:"maxFragmentSize" validate:"omitempty,min=2"`
	AckDelay         time.Duration `mapstructure:"ackDelay"`
	ResetInterval    time.Duration `mapstructure:"resetInterval"`
	RetransmitDelay  time.Duration `mapstructure:"retransmitDelay"`
}

func (o GattlinkOptions) toConfig() gattlink.Config {
	return gattlink.Config{
		RxWindow:         o.RxWindow,
		TxWindow:         o.TxWindow,
		OutputBufferSize: o.OutputBufferSize,
		MaxFragmentSize:  o.MaxFragmentSize,
		AckDelay:         o.AckDelay,
		ResetInterval:    o.ResetInterval,
		RetransmitDelay:  o.RetransmitDelay,
	}
}

// NipOptions configures an `N` descriptor element: the port this
// stack's single multiplexed UDP-like endpoint binds to, and, for a
// connected endpoint, the default remote port.
type NipOptions struct {
	LocalPort  uint16 `mapstructure:"localPort"`
	RemotePort uint16 `mapstructure:"remotePort"`
	Connected  bool   `mapstructure:"connected"`
}

// SocketOptions configures an `S` descriptor element. Golden Gate never
// opens a real OS socket here (spec.md's "datagram socket" element is a
// pass-through marker between a Nano-IP endpoint and whatever sits above
// it); currently there is nothing to parameterize, but the type exists
// so a future option can be added without changing the Stack Builder's
// public shape.
type SocketOptions struct{}

// DTLSOptions configures a `D` descriptor element. Role is supplied
// separately as the stack-wide [Role] argument, not decoded here, per
// spec.md §4.9 "DTLS client/server, chosen by role argument" — the
// stack's hub/node role picks [dtls.RoleServer]/[dtls.RoleClient], it is
// not itself a per-element parameter. The same identity/key pair serves
// both roles: a client presents it as its own credentials, a server
// uses it to build a single-identity [dtls.KeyResolver].
type DTLSOptions struct {
	PSKIdentity  []byte             `mapstructure:"pskIdentity" validate:"required"`
	PSKKey       []byte             `mapstructure:"pskKey" validate:"required"`
	CipherSuites []dtls.CipherSuite `mapstructure:"cipherSuites"`
	MTU          int                `mapstructure:"mtu" validate:"omitempty,min=0"`
}

// ActivityOptions configures an `A` descriptor element.
type ActivityOptions struct {
	// IdleTimeout is how long the monitor waits without traffic on
	// either port before emitting an idle event. Zero disables idle
	// detection (the element still passes data through unchanged).
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}
