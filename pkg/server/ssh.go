package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	listener, err := listenPort(s.config.SSHPort)
	if err != nil {
		return err
	}
	s.serveSSH(listener, s.sshConfig(hostKey))

	log.Printf("SSH server listening on %s", listener.Addr())
	return nil
}

// serveSSH accepts SSH connections on listener
func (s *Server) serveSSH(listener net.Listener, config *ssh.ServerConfig) {
	s.sshListener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener, "SSH", func(conn net.Conn) {
		s.handleSSHConnection(conn, config)
	})
}

// handleSSHConnection performs the handshake and serves the first session
// channel. Other channel types are rejected.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("SSH %s: could not accept channel: %v", sshConn.RemoteAddr(), err)
			continue
		}
		go replySessionRequests(requests)

		// One session per connection: ending it ends the connection
		s.handleSSHSession(channel, sshConn)
		return
	}
}

// replySessionRequests accepts the requests terminal clients send before
// using the channel, and refuses anything else (exec, subsystems)
func replySessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if !req.WantReply {
			continue
		}
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			req.Reply(true, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// handleSSHSession runs the frame protocol over one SSH channel. The SSH user
// name is registered as the session's identity before any frame is read.
func (s *Server) handleSSHSession(channel ssh.Channel, sshConn *ssh.ServerConn) {
	conn := &sshChannelConn{Channel: channel, conn: sshConn}
	if s.stopping() {
		conn.Close()
		return
	}

	sess := s.sessions.CreateSession("ssh", sshConn.RemoteAddr().String(), newFrameConn(conn, s.config.writeTimeout()))
	s.connectionsSinceReport.Add(1)

	var fingerprint string
	if sshConn.Permissions != nil {
		fingerprint = sshConn.Permissions.Extensions["fingerprint"]
	}
	debugLog.Printf("New SSH connection from %s as %q (session %s, key %s)", sshConn.RemoteAddr(), sshConn.User(), sess.ID, fingerprint)

	s.router.Connect(sess)
	if !s.router.Register(sess, sshConn.User()) {
		debugLog.Printf("Session %s: SSH user name %q is not a valid identity", sess.ID, sshConn.User())
	}
	s.messageLoop(sess, conn)
}

// sshConfig builds the SSH server config. Any public key is accepted; the
// client's claimed user name becomes its identity.
func (s *Server) sshConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{
				Extensions: map[string]string{"fingerprint": ssh.FingerprintSHA256(key)},
			}, nil
		},
		ServerVersion: "SSH-2.0-Relay",
	}
	config.AddHostKey(hostKey)
	return config
}

// sshChannelConn adapts an ssh.Channel to net.Conn for the frame writer
type sshChannelConn struct {
	ssh.Channel
	conn *ssh.ServerConn
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SSH channels have no deadlines
func (c *sshChannelConn) SetDeadline(time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(time.Time) error { return nil }

// loadOrGenerateHostKey reads the host key at the configured path, creating
// an ed25519 key there on first start. Existing keys of any type are used
// as they are.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
		}
		log.Printf("Loaded SSH host key from %s (%s)", keyPath, ssh.FingerprintSHA256(signer.PublicKey()))
		return signer, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "relay host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create host key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated host key: %w", err)
	}
	log.Printf("Generated new SSH host key at %s (%s)", keyPath, ssh.FingerprintSHA256(signer.PublicKey()))
	return signer, nil
}
