// Package subprocess implements the subprocess compute-worker manager:
// each worker is launched as a child OS process on the same host,
// connecting back to a NetworkDataChannel to fetch its init payload and
// run the shared inner loop out-of-process.
package subprocess

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/netchannel"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Manager launches each compute worker as
// `compute-worker -i <id> --channaddr host,port,authkey` and waits for
// all children to exit at Shutdown.
type Manager struct {
	binary  string
	server  *netchannel.Server
	log     *logging.Logger

	mu      sync.Mutex
	cmds    []*exec.Cmd
	wg      sync.WaitGroup
	spawnErrs []error
}

// New constructs a subprocess manager. binary is the path to the
// compute-worker executable (spec.md §6's batch-worker command line).
func New(binary string, server *netchannel.Server, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Manager{binary: binary, server: server, log: log.WithComponent("computeworker.subprocess")}
}

func (m *Manager) StartWorkers(ctx context.Context, numWorkers int, payload *computeworker.InitPayload, barrierTimeout time.Duration) error {
	addr, err := m.server.Start("127.0.0.1")
	if err != nil {
		return err
	}

	for i := 0; i < numWorkers; i++ {
		cmd := exec.CommandContext(ctx, m.binary,
			"-i", fmt.Sprintf("%d", i),
			"--channaddr", addr.String(),
		)
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return rioserrors.Wrap(rioserrors.WorkerException, "failed to start compute-worker subprocess", err, map[string]interface{}{"worker": i})
		}
		m.mu.Lock()
		m.cmds = append(m.cmds, cmd)
		m.mu.Unlock()

		m.wg.Add(1)
		go func(id int, c *exec.Cmd) {
			defer m.wg.Done()
			if err := c.Wait(); err != nil {
				m.mu.Lock()
				m.spawnErrs = append(m.spawnErrs, rioserrors.Wrap(rioserrors.WorkerException,
					fmt.Sprintf("compute-worker subprocess %d exited with error", id), err, nil))
				m.mu.Unlock()
				m.server.SetForceExit()
			}
		}(i, cmd)
	}

	// The driver's party of the start barrier is taken from a goroutine,
	// so the workers rendezvous and start on blocks once every one of
	// them has connected, without StartWorkers waiting for that;
	// barrierTimeout is not applied here. Shutdown aborts the barrier.
	go m.server.Barrier().Wait()
	return nil
}

func (m *Manager) Shutdown(ctx context.Context) ([]computeworker.PostRunObject, error) {
	m.server.SetForceExit()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.mu.Lock()
		for _, c := range m.cmds {
			if c.Process != nil {
				c.Process.Kill()
			}
		}
		m.mu.Unlock()
		<-done
	}

	if err := m.server.Shutdown(); err != nil {
		return nil, err
	}

	objs := m.server.DrainOutbound()
	if errs := m.Errors(); len(errs) > 0 {
		return objs, errs[0]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.spawnErrs) > 0 {
		return objs, m.spawnErrs[0]
	}
	return objs, nil
}

func (m *Manager) Errors() []*computeworker.WorkerErrorRecord {
	return m.server.Exceptions()
}

var _ computeworker.Manager = (*Manager)(nil)
