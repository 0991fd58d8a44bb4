package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// relaySSHVersionPrefix is the banner every relay server advertises
const relaySSHVersionPrefix = "SSH-2.0-Relay"

// dialSSH connects, authenticates with public keys and opens the session
// channel the relay protocol runs over
func dialSSH(ctx context.Context, addr serverAddress, opts Options) (*sshClientConn, string, error) {
	authMethods := loadSSHAuthMethods(opts.SSHSigners)
	if len(authMethods) == 0 {
		return nil, "", errors.New("no SSH keys found - add your key to ssh-agent with: ssh-add ~/.ssh/id_ed25519\nOr generate a new unencrypted key with: ssh-keygen -t ed25519 -f ~/.ssh/id_ed25519 -N ''")
	}

	hostKeyCallback := opts.HostKeyCallback
	var verifier *hostKeyVerifier
	if hostKeyCallback == nil {
		verifier = newHostKeyVerifier()
		hostKeyCallback = verifier.callback
	}

	dialer := net.Dialer{Timeout: opts.dialTimeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", addr.hostPort())
	if err != nil {
		return nil, "", err
	}

	// The handshake has no context support; a deadline bounds it instead
	deadline := time.Now().Add(opts.dialTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		netConn.Close()
		return nil, "", fmt.Errorf("failed to set connection deadline: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            addr.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.dialTimeout(),
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr.hostPort(), config)
	if err != nil {
		netConn.Close()
		return nil, "", fmt.Errorf("ssh handshake with %s failed: %w", addr.hostPort(), err)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, "", fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, relaySSHVersionPrefix) {
		clientConn.Close()
		return nil, "", fmt.Errorf("remote server advertised %q; expected a relay server (banner prefix %q)", banner, relaySSHVersionPrefix)
	}

	warning := ""
	if verifier != nil {
		warning = verifier.persistAccepted()
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, "", fmt.Errorf("failed to open session channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{channel: channel, client: client}, warning, nil
}

// loadSSHAuthMethods prefers explicit signers, then the SSH agent and
// unencrypted keys from ~/.ssh
func loadSSHAuthMethods(signers []ssh.Signer) []ssh.AuthMethod {
	if len(signers) > 0 {
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}
	}

	var authMethods []ssh.AuthMethod
	if agentAuth := trySSHAgent(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}
	if diskAuth := tryLoadKeysFromDisk(); diskAuth != nil {
		authMethods = append(authMethods, diskAuth)
	}
	return authMethods
}

func trySSHAgent() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func tryLoadKeysFromDisk() ssh.AuthMethod {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return nil
	}

	var signers []ssh.Signer
	for _, keyFile := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		keyBytes, err := os.ReadFile(filepath.Join(homeDir, ".ssh", keyFile))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			// Encrypted keys go through the agent
			continue
		}
		signers = append(signers, signer)
	}

	if len(signers) == 0 {
		return nil
	}
	return ssh.PublicKeys(signers...)
}

// hostKeyVerifier trusts unknown hosts on first use and records them in
// known_hosts. A changed key for a known host is always rejected.
type hostKeyVerifier struct {
	path     string
	callback ssh.HostKeyCallback

	mu       sync.Mutex
	accepted map[string]ssh.PublicKey
}

func newHostKeyVerifier() *hostKeyVerifier {
	v := &hostKeyVerifier{path: knownHostsPath(), accepted: make(map[string]ssh.PublicKey)}

	var known ssh.HostKeyCallback
	if v.path != "" {
		if cb, err := knownhosts.New(v.path); err == nil {
			known = cb
		}
	}

	v.callback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if known != nil {
			err := known(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return fmt.Errorf("ssh host key verification failed for %s: %w (check %s)", hostname, err, v.path)
			}
		}
		v.mu.Lock()
		v.accepted[hostname] = key
		v.mu.Unlock()
		return nil
	}
	return v
}

// persistAccepted appends newly trusted keys to known_hosts and returns a
// warning for the user when a host was trusted on first use
func (v *hostKeyVerifier) persistAccepted() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.accepted) == 0 {
		return ""
	}

	var warnings []string
	for host, key := range v.accepted {
		fp := ssh.FingerprintSHA256(key)
		if err := appendKnownHost(v.path, host, key); err != nil {
			warnings = append(warnings, fmt.Sprintf("trusted SSH host key %s for %s for this session only: %v", fp, host, err))
			continue
		}
		warnings = append(warnings, fmt.Sprintf("trusted new SSH host key %s for %s (saved to %s)", fp, host, v.path))
	}
	v.accepted = make(map[string]ssh.PublicKey)
	return strings.Join(warnings, "; ")
}

func knownHostsPath() string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		return strings.TrimSpace(strings.Split(env, string(os.PathListSeparator))[0])
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if path == "" {
		return errors.New("no known_hosts path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s relay added=%s\n", line, time.Now().Format(time.RFC3339))
	return err
}

// sshClientConn carries frames over the session channel
type sshClientConn struct {
	channel ssh.Channel
	client  *ssh.Client
	once    sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}
