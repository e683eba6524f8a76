package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/transport"
)

type stubTransport struct{ transport.Transport }

func TestNewTransportDispatchesByScheme(t *testing.T) {
	InstallProtocol("stub-scheme", func(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
		return stubTransport{}, nil
	})

	got, err := NewTransport(&transport.Endpoint{Protocol: "stub-scheme"}, transport.Options{})
	require.NoError(t, err)
	assert.Equal(t, stubTransport{}, got)
}

func TestNewTransportFallsBackToExtForUnknownScheme(t *testing.T) {
	called := false
	InstallProtocol("ext", func(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
		called = true
		return stubTransport{}, nil
	})

	_, err := NewTransport(&transport.Endpoint{Protocol: "remote-totally-unknown"}, transport.Options{})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestSupportsReflectsRegistry(t *testing.T) {
	InstallProtocol("stub-scheme-2", func(*transport.Endpoint, transport.Options) (transport.Transport, error) {
		return nil, nil
	})
	assert.True(t, Supports("stub-scheme-2"))
	// An unregistered scheme is still "supported" once an ext fallback
	// Factory exists, since NewTransport would dispatch to it.
	assert.True(t, Supports("totally-unregistered-scheme"))
}
