package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipient(t *testing.T) {
	addr, err := ParseRecipient("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", addr.FullAddress())
	assert.Equal(t, "alice", addr.LocalPart())
	assert.Equal(t, "example.com", addr.Domain())
}

func TestParseRecipientNormalizes(t *testing.T) {
	addr, err := ParseRecipient("  Alice@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", addr.FullAddress())
}

func TestParseRecipientAngleBrackets(t *testing.T) {
	addr, err := ParseRecipient("<bob@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", addr.FullAddress())
}

func TestParseRecipientNoDomain(t *testing.T) {
	// Local submission can hand us a bare local part; the directory
	// lookup decides whether it resolves.
	addr, err := ParseRecipient("postmaster")
	require.NoError(t, err)
	assert.Equal(t, "postmaster", addr.LocalPart())
	assert.Equal(t, "", addr.Domain())
	assert.Equal(t, "postmaster", addr.BaseAddress("+"))
}

func TestParseRecipientInvalid(t *testing.T) {
	for _, input := range []string{"", "   ", "<>", "@example.com", "a b@example.com"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseRecipient(input)
			assert.Error(t, err)
		})
	}
}

func TestBaseAddressStripsDetail(t *testing.T) {
	addr, err := ParseRecipient("alice+spam@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", addr.BaseLocalPart("+"))
	assert.Equal(t, "alice@example.com", addr.BaseAddress("+"))

	// No delimiter configured: detail is part of the local part
	assert.Equal(t, "alice+spam@example.com", addr.BaseAddress(""))
}

func TestBaseAddressWithoutDetail(t *testing.T) {
	addr, err := ParseRecipient("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", addr.BaseAddress("+"))
}
