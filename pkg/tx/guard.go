package tx

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hardctl/hardctl/pkg/logging"
)

// guard is the signal half of the exit-time safety net. The normal exit
// paths go through Tx.Close (deferred finalizer); the guard covers SIGINT
// and SIGTERM arriving while the transaction is still open, rolling back
// before the process dies. The rollback runs on the guard's goroutine and
// serializes on the Tx mutex against whatever the foreground is doing.
type guard struct {
	sigCh  chan os.Signal
	stopCh chan struct{}
	once   sync.Once
}

func newGuard(t *Tx, log *logging.Logger) *guard {
	g := &guard{
		sigCh:  make(chan os.Signal, 1),
		stopCh: make(chan struct{}),
	}
	signal.Notify(g.sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-g.sigCh:
			log.Warn("Signal while transaction open, rolling back", map[string]interface{}{
				"tx_id": t.model.ID, "signal": sig.String(),
			})
			if err := t.Rollback("interrupted by " + sig.String()); err != nil {
				log.Error("Rollback on signal failed", map[string]interface{}{
					"tx_id": t.model.ID, "error": err.Error(),
				})
			}
			os.Exit(1)
		case <-g.stopCh:
		}
	}()

	return g
}

// stop removes the guard. Safe to call more than once.
func (g *guard) stop() {
	g.once.Do(func() {
		signal.Stop(g.sigCh)
		close(g.stopCh)
	})
}
