package sshmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshClient and sshSession abstract the SSH transport so tests can drive
// the connection state machine without a real server.
type sshClient interface {
	newSession() (sshSession, error)
	wait() error
	close() error
}

type sshSession interface {
	stdoutPipe() (io.Reader, error)
	stderrPipe() (io.Reader, error)
	start(command string) error
	wait() error
	interrupt()
	close() error
}

type dialFunc func(ctx context.Context, addr string, config *ssh.ClientConfig) (sshClient, error)

// dialSSH establishes a real SSH connection. The handshake honors the
// context deadline via the raw connection deadline, since the SSH library
// itself is not context-aware.
func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (sshClient, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	client := ssh.NewClient(c, chans, reqs)
	if err := conn.SetDeadline(time.Time{}); err != nil {
		client.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return &realClient{client: client}, nil
}

type realClient struct{ client *ssh.Client }

func (c *realClient) newSession() (sshSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &realSession{session: session}, nil
}

func (c *realClient) wait() error  { return c.client.Wait() }
func (c *realClient) close() error { return c.client.Close() }

type realSession struct{ session *ssh.Session }

func (s *realSession) stdoutPipe() (io.Reader, error) { return s.session.StdoutPipe() }
func (s *realSession) stderrPipe() (io.Reader, error) { return s.session.StderrPipe() }
func (s *realSession) start(command string) error     { return s.session.Start(command) }
func (s *realSession) wait() error                    { return s.session.Wait() }
func (s *realSession) interrupt()                     { s.session.Signal(ssh.SIGINT) }
func (s *realSession) close() error                   { return s.session.Close() }

// clientConfig builds the SSH client config for one connection. Host keys
// are accepted without verification; peers on the local network are
// trusted the same way the rest of the daemon trusts them.
func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if cfg.KeyPath != "" {
		raw, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// classifyConnectError maps a dial or handshake failure onto the error
// taxonomy. Authentication failures are terminal; retrying with the same
// credentials cannot succeed.
func classifyConnectError(err error) ErrorReason {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return ReasonAuthenticationFailed
	}
	return ReasonConnectionLost
}

// exitChunkData renders a command's final status as an output chunk body.
// A non-zero exit is ordinary output to observers, not a manager error.
func exitChunkData(err error) []byte {
	if err == nil {
		return []byte("exit status 0")
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return []byte(fmt.Sprintf("exit status %d", exitErr.ExitStatus()))
	}
	return []byte("exit: " + err.Error())
}
