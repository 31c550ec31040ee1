// Package tempfile implements the per-run scratch directory manager and
// the memoised vector-rasterisation cache that sits in front of it.
package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Manager owns one per-run scratch directory
// ("<tempdir>/rios-<random>/") and mutex-guards allocation of names
// within it. The entire subdirectory is removed on Cleanup.
type Manager struct {
	mu      sync.Mutex
	root    string
	counter int
	log     *logging.Logger
}

// New creates the scratch subdirectory under baseDir.
func New(baseDir string, log *logging.Logger) (*Manager, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	root, err := os.MkdirTemp(baseDir, "rios-")
	if err != nil {
		return nil, rioserrors.Wrap(rioserrors.Parameter, "failed to create scratch directory", err, nil)
	}
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Manager{root: root, log: log.WithComponent("tempfile")}, nil
}

// Root returns the scratch directory path.
func (m *Manager) Root() string { return m.root }

// Allocate reserves a new, uniquely-named path under the scratch
// directory with the given suffix (e.g. ".tif", ".sh", ".log").
func (m *Manager) Allocate(prefix, suffix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	name := fmt.Sprintf("%s-%04d%s", prefix, m.counter, suffix)
	return filepath.Join(m.root, name)
}

// Cleanup removes the entire scratch subdirectory.
func (m *Manager) Cleanup() error {
	m.log.Info("removing scratch directory", map[string]interface{}{"root": m.root})
	return os.RemoveAll(m.root)
}
