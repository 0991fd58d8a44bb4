package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	t.Setenv("RELAY_SSH_USER", "fallback")

	tests := []struct {
		name      string
		address   string
		transport string
		hostPort  string
		display   string
		user      string
	}{
		{"bare host", "example.com", TransportTCP, "example.com:6465", "example.com:6465", ""},
		{"bare host and port", "example.com:7000", TransportTCP, "example.com:7000", "example.com:7000", ""},
		{"tcp scheme", "tcp://example.com", TransportTCP, "example.com:6465", "example.com:6465", ""},
		{"ipv6", "[::1]:7000", TransportTCP, "[::1]:7000", "[::1]:7000", ""},
		{"ssh default user", "ssh://example.com", TransportSSH, "example.com:6466", "ssh://fallback@example.com:6466", "fallback"},
		{"ssh explicit user", "ssh://alice@example.com:2222", TransportSSH, "example.com:2222", "ssh://alice@example.com:2222", "alice"},
		{"websocket default path", "ws://example.com", TransportWebSocket, "example.com:8080", "ws://example.com:8080/ws", ""},
		{"secure websocket with path", "wss://example.com:443/chat", TransportWebSocket, "example.com:443", "wss://example.com:443/chat", ""},
		{"surrounding whitespace", "  example.com  ", TransportTCP, "example.com:6465", "example.com:6465", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := parseServerAddress(tt.address)
			require.NoError(t, err)
			assert.Equal(t, tt.transport, addr.transport)
			assert.Equal(t, tt.hostPort, addr.hostPort())
			assert.Equal(t, tt.display, addr.String())
			assert.Equal(t, tt.user, addr.user)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, address := range []string{
		"",
		"   ",
		"gopher://example.com",
		"tcp://",
		"example.com:1:2",
	} {
		_, err := parseServerAddress(address)
		assert.Error(t, err, address)
	}
}

func TestDefaultSSHUser(t *testing.T) {
	t.Setenv("RELAY_SSH_USER", "")
	t.Setenv("USER", "unixuser")
	assert.Equal(t, "unixuser", defaultSSHUser())

	t.Setenv("RELAY_SSH_USER", "override")
	assert.Equal(t, "override", defaultSSHUser())

	t.Setenv("RELAY_SSH_USER", "")
	t.Setenv("USER", "")
	t.Setenv("USERNAME", "")
	assert.Equal(t, "anonymous", defaultSSHUser())
}
