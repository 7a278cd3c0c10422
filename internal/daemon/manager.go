package daemon

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// HostLookup resolves a host row. storage.Store satisfies it.
type HostLookup interface {
	GetHost(ctx context.Context, id string) (*models.Host, error)
}

// Factory builds the client for one host.
type Factory func(ctx context.Context, host *models.Host) (Client, error)

// Manager keeps one daemon client per host, created on first use.
//
// Thread-safe for concurrent access.
type Manager struct {
	hosts   HostLookup
	factory Factory
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[string]Client
}

// NewManager creates a manager that builds clients with factory.
func NewManager(hosts HostLookup, factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		hosts:   hosts,
		factory: factory,
		logger:  logger.Named("daemon"),
		clients: make(map[string]Client),
	}
}

// FactoryFor returns the factory for the configured transport.
func FactoryFor(cfg config.DaemonConfig, logger *zap.Logger) (Factory, error) {
	switch cfg.Transport {
	case "", "http":
		return func(_ context.Context, host *models.Host) (Client, error) {
			return NewHTTPClient(host.DaemonURL, host.DaemonToken, HTTPOptions{
				Timeout:               cfg.RequestTimeout,
				StopTimeout:           cfg.StopTimeout,
				BreakerMaxFailures:    cfg.BreakerMaxFailures,
				BreakerTimeout:        cfg.BreakerTimeout,
				TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
				Logger:                logger,
			})
		}, nil
	case "docker":
		return func(ctx context.Context, host *models.Host) (Client, error) {
			return NewDockerClient(ctx, host.DaemonURL, cfg.StopTimeout, logger.With(zap.String("host_id", host.ID)))
		}, nil
	default:
		return nil, errdefs.InvalidArgument("unknown daemon transport %q", cfg.Transport)
	}
}

// ClientFor returns the client for hostID, creating it if needed.
func (m *Manager) ClientFor(ctx context.Context, hostID string) (Client, error) {
	m.mu.RLock()
	c, ok := m.clients[hostID]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	host, err := m.hosts.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if host.DaemonURL == "" {
		return nil, errdefs.DaemonCallFailed(nil, "host %s has no daemon url", hostID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[hostID]; ok {
		return c, nil
	}
	c, err = m.factory(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "daemon client for host %s", hostID)
	}
	m.clients[hostID] = c
	m.logger.Info("daemon client created", zap.String("host_id", hostID), zap.String("url", host.DaemonURL))
	return c, nil
}

// Set registers c for hostID, closing any client it replaces.
func (m *Manager) Set(hostID string, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.clients[hostID]; ok && old != c {
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close replaced daemon client", zap.String("host_id", hostID), zap.Error(err))
		}
	}
	m.clients[hostID] = c
}

// Forget drops and closes the client of hostID, e.g. after the host's daemon
// url or token changed.
func (m *Manager) Forget(hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[hostID]
	if !ok {
		return nil
	}
	delete(m.clients, hostID)
	return c.Close()
}

// Count returns the number of cached clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close closes all clients and reports every failure.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for hostID, c := range m.clients {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close client for host %s", hostID))
		}
	}
	m.clients = make(map[string]Client)
	return result.ErrorOrNil()
}
