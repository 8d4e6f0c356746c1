// Package sshmgr manages a pool of independent SSH client connections.
// Each connection is its own state machine; a failure in one never affects
// another, and observers only ever see snapshots and streams, never the
// underlying transport handle.
package sshmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ztalkd/bus"
)

const (
	// DefaultConnectTimeout bounds the SSH dial and handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMaxReconnectAttempts bounds the auto-reconnect loop.
	DefaultMaxReconnectAttempts = 3
	// DefaultOutputBufferChunks bounds the per-connection output ring.
	DefaultOutputBufferChunks = 1024
	// DefaultSSHPort is used when the config omits a port.
	DefaultSSHPort = 22
)

var (
	// ErrUnknownConnection indicates an ID with no registered connection.
	ErrUnknownConnection = errors.New("sshmgr: unknown connection")
	// ErrNotConnected indicates an operation requiring the Connected state.
	ErrNotConnected = errors.New("sshmgr: not connected")
	// ErrCommandInProgress indicates the per-connection command slot is busy.
	ErrCommandInProgress = errors.New("sshmgr: command already in progress")
)

// Config describes one SSH connection. Password and KeyPath are mutually
// exclusive; the password is held in memory only and never persisted.
type Config struct {
	Host     string
	Port     int
	Username string

	Password string
	KeyPath  string

	ConnectTimeout       time.Duration
	AutoReconnect        bool
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultSSHPort
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return out
}

func (c Config) validate() error {
	if c.Host == "" {
		return errors.New("sshmgr: host is required")
	}
	if c.Username == "" {
		return errors.New("sshmgr: username is required")
	}
	if c.Password == "" && c.KeyPath == "" {
		return errors.New("sshmgr: either password or key path is required")
	}
	if c.Password != "" && c.KeyPath != "" {
		return errors.New("sshmgr: password and key path are mutually exclusive")
	}
	return nil
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Profile is a persistable SSH connection preset. It references a key by
// path and never carries the raw secret.
type Profile struct {
	ID       uuid.UUID
	Name     string
	Host     string
	Port     int
	Username string
	KeyPath  string
}

// ProfileStore is the injected persistence hook for SSH profiles. The
// manager does not depend on any specific storage engine.
type ProfileStore interface {
	SaveProfile(Profile) error
	LoadProfiles() ([]Profile, error)
	DeleteProfile(uuid.UUID) error
}

// Options configures a Manager.
type Options struct {
	Bus *bus.Bus

	// Profiles is optional; nil disables profile persistence.
	Profiles ProfileStore

	OutputBufferChunks int

	// dial is the transport seam; tests replace it.
	dial dialFunc
	// reconnectInitialInterval shortens backoff waits in tests.
	reconnectInitialInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.OutputBufferChunks <= 0 {
		out.OutputBufferChunks = DefaultOutputBufferChunks
	}
	if out.dial == nil {
		out.dial = dialSSH
	}
	if out.reconnectInitialInterval <= 0 {
		out.reconnectInitialInterval = time.Second
	}
	return out
}

// Manager owns the connection pool. Different connections operate fully in
// parallel; the map lock guards only insert, remove, and lookup.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

// NewManager creates a manager.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if opts.Bus == nil {
		return nil, errors.New("sshmgr: event bus is required")
	}
	return &Manager{
		opts:  opts,
		conns: make(map[uuid.UUID]*Connection),
	}, nil
}

// Connect registers a new connection and begins authenticating in the
// background. State transitions are observable via ConnectionStateChanged
// events; the returned ID is valid immediately.
func (m *Manager) Connect(ctx context.Context, config Config) (uuid.UUID, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return uuid.UUID{}, err
	}

	conn := newConnection(uuid.New(), cfg, m.opts)

	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()

	go conn.connect(ctx)
	return conn.id, nil
}

// Reconnect re-enters Connecting from a terminal Error or Disconnected
// state.
func (m *Manager) Reconnect(ctx context.Context, id uuid.UUID) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	return conn.reconnect(ctx)
}

// Execute runs one command on a connected session, streaming output chunks
// as they arrive. Commands on one connection are serialized: a second
// Execute before the first finishes fails with ErrCommandInProgress.
// Cancelling ctx stops the stream but leaves the connection Connected.
func (m *Manager) Execute(ctx context.Context, id uuid.UUID, command string) (<-chan OutputChunk, error) {
	conn, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return conn.execute(ctx, command)
}

// Disconnect closes a connection's transport. It is idempotent.
func (m *Manager) Disconnect(id uuid.UUID) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	conn.disconnect()
	return nil
}

// Remove disconnects and drops a connection from the pool.
func (m *Manager) Remove(id uuid.UUID) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	conn.disconnect()

	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	return nil
}

// Snapshot returns an observer-safe copy of one connection's state.
func (m *Manager) Snapshot(id uuid.UUID) (ConnectionInfo, error) {
	conn, err := m.get(id)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return conn.snapshot(), nil
}

// List returns snapshots of every pooled connection.
func (m *Manager) List() []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.snapshot())
	}
	return out
}

// CloseAll disconnects every connection; used at daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.disconnect()
	}
}

// SaveProfile persists a connection preset through the injected store.
func (m *Manager) SaveProfile(profile Profile) (Profile, error) {
	if m.opts.Profiles == nil {
		return Profile{}, errors.New("sshmgr: no profile store configured")
	}
	if profile.ID == (uuid.UUID{}) {
		profile.ID = uuid.New()
	}
	if profile.Port <= 0 {
		profile.Port = DefaultSSHPort
	}
	if err := m.opts.Profiles.SaveProfile(profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Profiles loads all persisted presets.
func (m *Manager) Profiles() ([]Profile, error) {
	if m.opts.Profiles == nil {
		return nil, nil
	}
	return m.opts.Profiles.LoadProfiles()
}

// DeleteProfile removes a persisted preset.
func (m *Manager) DeleteProfile(id uuid.UUID) error {
	if m.opts.Profiles == nil {
		return errors.New("sshmgr: no profile store configured")
	}
	return m.opts.Profiles.DeleteProfile(id)
}

// ConnectFromProfile starts a connection from a stored preset, supplying
// the password (if any) at call time only.
func (m *Manager) ConnectFromProfile(ctx context.Context, profileID uuid.UUID, password string) (uuid.UUID, error) {
	profiles, err := m.Profiles()
	if err != nil {
		return uuid.UUID{}, err
	}
	for _, profile := range profiles {
		if profile.ID != profileID {
			continue
		}
		return m.Connect(ctx, Config{
			Host:     profile.Host,
			Port:     profile.Port,
			Username: profile.Username,
			KeyPath:  profile.KeyPath,
			Password: password,
		})
	}
	return uuid.UUID{}, fmt.Errorf("sshmgr: profile %s not found", profileID)
}

func (m *Manager) get(id uuid.UUID) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return conn, nil
}
