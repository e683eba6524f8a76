package git

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dagsync/core/plumbing/transport"
)

func TestHostWithPortDefaultsWhenUnset(t *testing.T) {
	ep := &transport.Endpoint{Host: "example.com"}
	assert.Equal(t, "example.com:9418", hostWithPort(ep))
}

func TestHostWithPortHonorsExplicitPort(t *testing.T) {
	ep := &transport.Endpoint{Host: "example.com", Port: 9419}
	assert.Equal(t, "example.com:9419", hostWithPort(ep))
}
