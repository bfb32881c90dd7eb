// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.9 "Stack Builder" steps 1-4 and §7 "Stack
// construction failures are fatal": tearing down a partially-built
// stack on error, rather than leaving orphaned elements half-wired.

package stack

import (
	"bytes"

	"github.com/bassosimone/goldengate"
	"github.com/bassosimone/goldengate/core"
	"github.com/bassosimone/goldengate/dtls"
	"github.com/bassosimone/goldengate/gattlink"
	"github.com/bassosimone/goldengate/loop"
)

// Params carries the per-element parameter arrays a descriptor's
// elements are configured from, keyed by [ElementKind] rather than by
// descriptor position: since [ParseDescriptor] already rejects a
// repeated kind, a kind uniquely identifies its element, and a keyed
// map is harder to misalign than a parallel positional array.
type Params map[ElementKind]map[string]any

type builtElement struct {
	kind    ElementKind
	element core.TwoPortElement
	reset   func() error
	close   func()
	start   func()
}

// Stack is a wired chain of elements built from a descriptor, per
// spec.md §4.9. It exposes the topmost element's ports for the
// application (or an upstream element such as a CoAP endpoint) to
// attach to, and the bottommost element's ports for the caller's own
// transport.
type Stack struct {
	descriptor string
	role       Role
	ipConfig   IPConfig
	elements   []builtElement
	listener   EventListener
}

// Build parses desc, instantiates and wires every element it names, and
// attaches transport at the bottom, per spec.md §4.9 steps 1-3. ipConfig
// defaults per role (step 2) when nil. listener, if non-nil, receives
// every element's forwarded events (step 4); it may be changed later
// with [*Stack.SetEventListener].
//
// On any error the partially-built stack is torn down before returning,
// per spec.md §7 "Stack construction failures are fatal".
func Build(
	l *loop.Loop,
	desc string,
	params Params,
	role Role,
	ipConfig *IPConfig,
	transport core.Sink,
	logger goldengate.SLogger,
	classify goldengate.ErrClassifier,
	listener EventListener,
) (*Stack, error) {
	kinds, err := ParseDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = goldengate.DefaultSLogger()
	}
	if classify == nil {
		classify = goldengate.DefaultErrClassifier
	}
	cfg := DefaultIPConfig(role)
	if ipConfig != nil {
		cfg = *ipConfig
	}

	s := &Stack{descriptor: desc, role: role, ipConfig: cfg, listener: listener}

	for i, kind := range kinds {
		built, err := s.buildElement(l, i, kind, params[kind], logger, classify)
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.elements = append(s.elements, built)
	}

	for i := 0; i < len(s.elements)-1; i++ {
		upper := s.elements[i].element
		lower := s.elements[i+1].element
		upper.Bottom().SetDataSink(lower.Top())
		lower.Top().SetDataSink(upper.Bottom())
	}
	if len(s.elements) > 0 {
		s.elements[len(s.elements)-1].element.Bottom().SetDataSink(transport)
	}

	return s, nil
}

func (s *Stack) buildElement(l *loop.Loop, index int, kind ElementKind, raw map[string]any, logger goldengate.SLogger, classify goldengate.ErrClassifier) (builtElement, error) {
	sched := l.GetTimerScheduler()

	switch kind {
	case ElementGattlink:
		opts, err := decodeOptions[GattlinkOptions](kind, raw)
		if err != nil {
			return builtElement{}, err
		}
		ep := gattlink.NewEndpoint(sched, opts.toConfig(), logger)
		ep.SetEventListener(&gattlinkEventForwarder{stack: s, index: index})
		return builtElement{
			kind:    kind,
			element: ep,
			reset:   func() error { ep.Reset(); return nil },
			start:   ep.Start,
		}, nil

	case ElementNip:
		opts, err := decodeOptions[NipOptions](kind, raw)
		if err != nil {
			return builtElement{}, err
		}
		elem, err := newNipElement(s.ipConfig, opts, logger, classify)
		if err != nil {
			return builtElement{}, err
		}
		return builtElement{
			kind:    kind,
			element: elem,
			reset:   elem.reset,
			close:   func() { _ = elem.iface.RemoveEndpoint(elem.ep) },
		}, nil

	case ElementSocket:
		if _, err := decodeOptions[SocketOptions](kind, raw); err != nil {
			return builtElement{}, err
		}
		elem := newSocketElement()
		return builtElement{
			kind:    kind,
			element: elem,
			reset:   func() error { return nil },
		}, nil

	case ElementDTLS:
		opts, err := decodeOptions[DTLSOptions](kind, raw)
		if err != nil {
			return builtElement{}, err
		}
		dtlsCfg := dtls.Config{
			CipherSuites: opts.CipherSuites,
			MTU:          opts.MTU,
		}
		if s.role == RoleNode {
			dtlsCfg.Role = dtls.RoleClient
			dtlsCfg.Client = dtls.ClientOptions{Identity: opts.PSKIdentity, Key: opts.PSKKey}
		} else {
			dtlsCfg.Role = dtls.RoleServer
			dtlsCfg.Server = dtls.ServerOptions{Resolver: singleIdentityResolver(opts.PSKIdentity, opts.PSKKey)}
		}
		ep := dtls.NewEndpoint(l, dtlsCfg, logger)
		ep.SetEventListener(&dtlsEventForwarder{stack: s, index: index})
		return builtElement{
			kind:    kind,
			element: ep,
			reset:   func() error { ep.Reset(); return nil },
			start:   ep.Start,
		}, nil

	case ElementActivity:
		opts, err := decodeOptions[ActivityOptions](kind, raw)
		if err != nil {
			return builtElement{}, err
		}
		elem := newActivityElement(sched, opts, func() {
			s.emit(Event{ElementIndex: index, ElementKind: ElementActivity, Tag: EventLinkIdle})
		})
		return builtElement{
			kind:    kind,
			element: elem,
			reset:   func() error { elem.reset(); return nil },
		}, nil

	default:
		return builtElement{}, goldengate.NewError(goldengate.CodeInvalidParameters, "stack: unrecognized element kind", nil)
	}
}

// singleIdentityResolver builds a [dtls.KeyResolver] that accepts only
// identity, returning key; any other identity is rejected with
// [goldengate.CodeNoSuchItem], per spec.md §4.5 "Server options".
func singleIdentityResolver(identity, key []byte) dtls.KeyResolver {
	return func(candidate []byte) ([]byte, error) {
		if bytes.Equal(candidate, identity) {
			return key, nil
		}
		return nil, goldengate.NewError(goldengate.CodeNoSuchItem, "stack: unknown PSK identity", nil)
	}
}

// Top returns the topmost element's application-facing port.
func (s *Stack) Top() core.Element { return s.elements[0].element.Top() }

// Bottom returns the bottommost element's transport-facing port, for
// the caller's transport source to attach to via SetDataSink.
func (s *Stack) Bottom() core.Element { return s.elements[len(s.elements)-1].element.Bottom() }

// IPConfig returns the IP configuration this stack was built with.
func (s *Stack) IPConfig() IPConfig { return s.ipConfig }

// SetEventListener replaces the listener notified of every element's
// forwarded events.
func (s *Stack) SetEventListener(l EventListener) { s.listener = l }

// Start begins session setup on every element that has one (Gattlink,
// DTLS), in wiring order, per spec.md §4.3/§4.5's own explicit Start
// step.
func (s *Stack) Start() {
	for _, e := range s.elements {
		if e.start != nil {
			e.start()
		}
	}
}

// Reset resets every element in wiring order, tearing down sessions and
// reinitializing state while preserving the wiring, per spec.md §4.9
// "Resetting a stack (stack.reset)".
func (s *Stack) Reset() error {
	for _, e := range s.elements {
		if e.reset != nil {
			if err := e.reset(); err != nil {
				return err
			}
		}
	}
	return nil
}

// teardown releases every already-built element in reverse wiring
// order, per spec.md §5 "destroying a stack destroys all elements in
// reverse wiring order" — applied here to a partially-built stack that
// failed construction (spec.md §7 "Stack construction failures are
// fatal").
func (s *Stack) teardown() {
	for i := len(s.elements) - 1; i >= 0; i-- {
		if close := s.elements[i].close; close != nil {
			close()
		}
	}
	s.elements = nil
}
