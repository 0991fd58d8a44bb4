package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

const (
	defaultTCPPort  = "6465"
	defaultSSHPort  = "6466"
	defaultHTTPPort = "8080"
)

// Transport names as reported by Client.Transport
const (
	TransportTCP       = "tcp"
	TransportSSH       = "ssh"
	TransportWebSocket = "websocket"
)

// serverAddress is a parsed server address
type serverAddress struct {
	transport string
	host      string
	port      string
	user      string // ssh only
	secure    bool   // wss
	path      string // websocket only
}

// hostPort returns host:port
func (a serverAddress) hostPort() string {
	return net.JoinHostPort(a.host, a.port)
}

// String formats the address with its scheme
func (a serverAddress) String() string {
	switch a.transport {
	case TransportSSH:
		if a.user != "" {
			return fmt.Sprintf("ssh://%s@%s", a.user, a.hostPort())
		}
		return "ssh://" + a.hostPort()
	case TransportWebSocket:
		scheme := "ws"
		if a.secure {
			scheme = "wss"
		}
		return fmt.Sprintf("%s://%s%s", scheme, a.hostPort(), a.path)
	default:
		return a.hostPort()
	}
}

// parseServerAddress accepts host[:port], tcp://host[:port],
// ssh://[user@]host[:port] and ws[s]://host[:port][/path]
func parseServerAddress(raw string) (serverAddress, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return serverAddress{}, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return serverAddress{}, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return serverAddress{}, err
		}
		return serverAddress{transport: TransportTCP, host: host, port: port}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return serverAddress{}, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		return serverAddress{transport: TransportSSH, host: host, port: port, user: user}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return serverAddress{}, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}
		return serverAddress{transport: TransportWebSocket, host: host, port: port, secure: scheme == "wss", path: path}, nil

	default:
		return serverAddress{}, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

// defaultSSHUser picks the identity to log in as over SSH. The server
// registers the SSH user name as the session identity.
func defaultSSHUser() string {
	if user := os.Getenv("RELAY_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}
