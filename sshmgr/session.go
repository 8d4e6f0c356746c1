package sshmgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"ztalkd/bus"
)

// Connection is one SSH connection's state machine. All transitions are
// published as ConnectionStateChanged events; command output flows through
// the ring buffer, the bus, and the per-command stream channel.
type Connection struct {
	id              uuid.UUID
	cfg             Config
	bus             *bus.Bus
	dial            dialFunc
	ring            *outputRing
	backoffInterval time.Duration

	mu           sync.Mutex
	state        State
	reason       ErrorReason
	lastErr      error
	client       sshClient
	gen          int
	busy         bool
	lastActivity time.Time
	history      []string
}

func newConnection(id uuid.UUID, cfg Config, opts Options) *Connection {
	return &Connection{
		id:              id,
		cfg:             cfg,
		bus:             opts.Bus,
		dial:            opts.dial,
		ring:            newOutputRing(opts.OutputBufferChunks),
		backoffInterval: opts.reconnectInitialInterval,
		state:           StateIdle,
	}
}

// transition moves to the next state and publishes the change.
func (c *Connection) transition(next State, reason ErrorReason, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.reason = reason
	if err != nil {
		c.lastErr = err
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if err != nil {
		log.Printf("sshmgr: connection %s: %s: %v", c.id, next, err)
	}
	c.bus.Publish(ConnectionStateChanged{
		ConnectionID: c.id,
		Previous:     prev,
		State:        next,
		Reason:       reason,
		Err:          err,
	})
}

// connect dials and authenticates. Failures land in StateError; only a
// drop out of StateConnected triggers the auto-reconnect loop.
func (c *Connection) connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.transition(StateConnecting, ReasonNone, nil)
	c.connectOnce(ctx)
}

// connectOnce performs a single dial attempt from StateConnecting.
func (c *Connection) connectOnce(ctx context.Context) bool {
	client, err := c.dialOnce(ctx)
	if err != nil {
		c.mu.Lock()
		interrupted := c.state != StateConnecting
		c.mu.Unlock()
		if interrupted {
			return false
		}
		c.transition(StateError, classifyConnectError(err), err)
		return false
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnected while the dial was in flight.
		c.mu.Unlock()
		client.close()
		return false
	}
	c.client = client
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.transition(StateConnected, ReasonNone, nil)
	go c.watch(gen)
	return true
}

func (c *Connection) dialOnce(ctx context.Context) (sshClient, error) {
	config, err := clientConfig(c.cfg)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	return c.dial(dialCtx, c.cfg.addr(), config)
}

// watch waits for the transport to die. A deliberate disconnect bumps the
// generation first, so only unexpected drops reach the error path.
func (c *Connection) watch(gen int) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	err := client.wait()

	c.mu.Lock()
	stale := c.gen != gen || c.state != StateConnected
	if !stale {
		c.client = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}

	if err == nil {
		err = fmt.Errorf("sshmgr: connection to %s closed by remote", c.cfg.addr())
	}
	c.transition(StateError, ReasonConnectionLost, err)

	if c.cfg.AutoReconnect {
		c.reconnectLoop()
	}
}

// reconnectLoop retries with exponential backoff up to the configured
// attempt bound, then leaves the connection in terminal StateError.
func (c *Connection) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoffInterval
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(policy.NextBackOff())

		c.mu.Lock()
		if c.state != StateError {
			// Disconnected or manually reconnected in the meantime.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		log.Printf("sshmgr: connection %s: reconnect attempt %d/%d",
			c.id, attempt, c.cfg.MaxReconnectAttempts)
		c.transition(StateConnecting, ReasonNone, nil)
		if c.connectOnce(context.Background()) {
			return
		}

		c.mu.Lock()
		terminal := c.reason == ReasonAuthenticationFailed
		c.mu.Unlock()
		if terminal {
			return
		}
	}
	log.Printf("sshmgr: connection %s: giving up after %d reconnect attempts",
		c.id, c.cfg.MaxReconnectAttempts)
}

// reconnect manually re-enters Connecting from a settled state.
func (c *Connection) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("sshmgr: connection %s is already %s", c.id, c.state)
	}
	c.mu.Unlock()

	go c.connect(ctx)
	return nil
}

// disconnect tears the transport down. Safe to call in any state and
// repeatedly.
func (c *Connection) disconnect() {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateDisconnecting, StateDisconnected:
		c.mu.Unlock()
		return
	}
	client := c.client
	c.client = nil
	c.gen++
	c.mu.Unlock()

	c.transition(StateDisconnecting, ReasonNone, nil)
	if client != nil {
		client.close()
	}
	c.transition(StateDisconnected, ReasonNone, nil)
}

// execute starts one command and returns its output stream. The channel
// closes when the command finishes or the context is cancelled.
func (c *Connection) execute(ctx context.Context, command string) (<-chan OutputChunk, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.client == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrCommandInProgress
	}
	client := c.client
	c.busy = true
	c.history = append(c.history, command)
	c.lastActivity = time.Now()
	c.mu.Unlock()

	session, err := client.newSession()
	if err != nil {
		c.clearBusy()
		return nil, fmt.Errorf("open session: %w", err)
	}
	stdout, err := session.stdoutPipe()
	if err != nil {
		session.close()
		c.clearBusy()
		return nil, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := session.stderrPipe()
	if err != nil {
		session.close()
		c.clearBusy()
		return nil, fmt.Errorf("attach stderr: %w", err)
	}
	if err := session.start(command); err != nil {
		session.close()
		c.clearBusy()
		return nil, fmt.Errorf("start command: %w", err)
	}

	out := make(chan OutputChunk, 64)
	go c.stream(ctx, session, streamReader{StreamStdout, stdout}, streamReader{StreamStderr, stderr}, out)
	return out, nil
}

type streamReader struct {
	name string
	r    interface{ Read([]byte) (int, error) }
}

func (c *Connection) stream(ctx context.Context, session sshSession, stdout, stderr streamReader, out chan<- OutputChunk) {
	defer close(out)
	defer c.clearBusy()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pump(ctx, stdout, out)
	}()
	go func() {
		defer wg.Done()
		c.pump(ctx, stderr, out)
	}()

	// Cancellation interrupts the remote command but leaves the
	// connection itself intact.
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.interrupt()
			session.close()
		case <-interrupted:
		}
	}()

	wg.Wait()
	err := session.wait()
	close(interrupted)

	if ctx.Err() != nil {
		return
	}
	c.deliver(ctx, out, OutputChunk{
		ConnectionID: c.id,
		Stream:       StreamExit,
		Data:         exitChunkData(err),
		At:           time.Now(),
	})
}

func (c *Connection) pump(ctx context.Context, src streamReader, out chan<- OutputChunk) {
	buf := make([]byte, 4096)
	for {
		n, err := src.r.Read(buf)
		if n > 0 {
			chunk := OutputChunk{
				ConnectionID: c.id,
				Stream:       src.name,
				Data:         append([]byte(nil), buf[:n]...),
				At:           time.Now(),
			}
			if !c.deliver(ctx, out, chunk) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// deliver records a chunk in the ring, publishes it, and hands it to the
// command's stream. Reports false once the context is cancelled.
func (c *Connection) deliver(ctx context.Context, out chan<- OutputChunk, chunk OutputChunk) bool {
	c.ring.append(chunk)
	c.bus.Publish(OutputReceived{Chunk: chunk})
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) clearBusy() {
	c.mu.Lock()
	c.busy = false
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) snapshot() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConnectionInfo{
		ID:           c.id,
		Host:         c.cfg.Host,
		Port:         c.cfg.Port,
		Username:     c.cfg.Username,
		State:        c.state,
		Reason:       c.reason,
		LastActivity: c.lastActivity,
		History:      append([]string(nil), c.history...),
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	info.Output = c.ring.snapshot()
	return info
}
