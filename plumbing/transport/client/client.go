// Package client maps a parsed endpoint's scheme to a Transport
// constructor: dispatch is static where possible, and dynamic for
// external helpers whose scheme isn't known until runtime.
package client

import (
	"fmt"

	"github.com/dagsync/core/plumbing/transport"
)

// Factory builds a new Transport instance for one endpoint/options pair.
// Each call returns an independent instance, created per operation and
// destroyed on disconnect.
type Factory func(*transport.Endpoint, transport.Options) (transport.Transport, error)

// protocols is the default scheme to Factory registry. It is populated
// by the init functions of the concrete transport packages (git, http,
// file, ext) via InstallProtocol rather than a constructor that imports
// every implementation, which would force an external-helper scheme to
// be known at compile time.
var protocols = map[string]Factory{}

// InstallProtocol registers or replaces the Factory used for scheme.
func InstallProtocol(scheme string, f Factory) {
	protocols[scheme] = f
}

// NewTransport builds a Transport for endpoint using the registered
// Factory for its scheme. An unrecognized scheme that still matches
// "remote-<scheme>" naming falls through to the external-helper Factory
// registered under "ext".
func NewTransport(endpoint *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
	f, ok := protocols[endpoint.Protocol]
	if !ok {
		if ext, ok := protocols["ext"]; ok {
			return ext(endpoint, opts)
		}
		return nil, fmt.Errorf("transport: unsupported scheme %q", endpoint.Protocol)
	}
	return f(endpoint, opts)
}

// Supports reports whether scheme has a registered Factory (including the
// external-helper fallback).
func Supports(scheme string) bool {
	if _, ok := protocols[scheme]; ok {
		return true
	}
	_, ok := protocols["ext"]
	return ok
}
