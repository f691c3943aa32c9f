// Package shutdown coordinates graceful teardown of long-running commands:
// registered closers run in reverse order once a termination signal lands.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hardctl/hardctl/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	log     *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	funcs []func(context.Context) error
	names []string
}

// New creates a shutdown manager
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{log: log, timeout: timeout}
}

// Register adds a named shutdown function. Functions run in reverse
// registration order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, fn)
	m.names = append(m.names, name)
}

// CloseResource registers an io.Closer-shaped resource
func (m *Manager) CloseResource(name string, closer interface{ Close() error }) {
	m.Register(name, func(context.Context) error { return closer.Close() })
}

// Wait blocks until SIGINT or SIGTERM, then runs all registered shutdown
// functions under the configured timeout
func (m *Manager) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	m.log.Info("Shutdown signal received", map[string]interface{}{"signal": sig.String()})
	m.Shutdown()
}

// Shutdown executes registered shutdown functions LIFO
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.funcs) - 1; i >= 0; i-- {
		if err := m.funcs[i](ctx); err != nil {
			m.log.Error("Shutdown step failed", map[string]interface{}{
				"step": m.names[i], "error": err.Error(),
			})
		}
	}

	m.log.Info("Graceful shutdown complete", nil)
}
