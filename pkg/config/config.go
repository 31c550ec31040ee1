// Package config resolves the engine's environment-variable-driven
// defaults into a single Control struct at startup. The one downstream
// package that reads os.Getenv directly is the PBS/SLURM batch manager,
// which reads the RIOS_PBSJOBMGR_* and RIOS_SLURMJOBMGR_* submission
// options itself when writing job scripts and does not consult the
// matching Control fields.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/grid"
	"github.com/rios-go/rios/pkg/stats"
)

// ConcurrencyStyle selects which computeworker.Manager realisation the
// applier constructs.
type ConcurrencyStyle = computeworker.Kind

// Concurrency bundles every worker-pool/timeout knob the driver needs
// for one apply() run.
type Concurrency struct {
	NumReadWorkers    int
	NumComputeWorkers int
	ComputeWorkerKind ConcurrencyStyle
	SingleBlockWorkers bool
	ReadOwnData       bool

	InsertTimeout        time.Duration
	PopTimeout            time.Duration
	ComputeBarrierTimeout time.Duration

	// ComputeWorkerExtraParams carries manager-specific launch
	// parameters opaque to the driver (e.g. *batch.ECSExtraParams for
	// the AWS ECS manager).
	ComputeWorkerExtraParams interface{}
}

// DefaultConcurrency returns the engine's out-of-the-box pool sizing
// and timeouts: one read worker, one in-process compute worker, a
// generous but finite barrier timeout.
func DefaultConcurrency() Concurrency {
	return Concurrency{
		NumReadWorkers:        1,
		NumComputeWorkers:     1,
		ComputeWorkerKind:     computeworker.KindThread,
		InsertTimeout:         60 * time.Second,
		PopTimeout:            60 * time.Second,
		ComputeBarrierTimeout: 5 * time.Minute,
	}
}

// Control is the full set of per-run driver settings: block geometry,
// concurrency, default driver/creation options, and the optional
// progress callback. Built once via FromEnvironment (or DefaultControl
// for tests) and passed to applier.Apply without further environment
// lookups.
type Control struct {
	BlockWidth, BlockHeight int
	Overlap                 int
	Footprint               grid.Footprint
	ReferenceGrid           *grid.PixelGrid

	Concurrency Concurrency

	DefaultDriver       string
	DefaultDriverOptions []string
	DefaultCreationOptionsByDriver map[string][]string

	CalcStats          bool
	AutoOverviews       bool
	OverviewLevels      []int
	AutoColourTableMode int // see stats.ColourTableMode

	// StatsMode/HistogramMode/PyramidMode request single-pass
	// computation (stats.SinglePass), leave the choice to the driver's
	// own capability (stats.Driver), or disable it (stats.Omit).
	// CalcStats/AutoOverviews are the master on/off switches consulted
	// alongside these: either false forces the corresponding mode to
	// stats.Omit regardless of what it's set to here.
	StatsMode     stats.Mode
	HistogramMode stats.Mode
	PyramidMode   stats.Mode

	// ApproxStats requests cheaper, approximate statistics (e.g. a
	// sampled pass) instead of an exact single-pass computation.
	ApproxStats bool
	// AggregationNearestOnly is required for single-pass pyramids: the
	// sub-sampling stats.Accumulator performs is only correct for
	// nearest-neighbour overview aggregation.
	AggregationNearestOnly bool

	ComputeWorkerBinary string // path to the compute-worker executable, for subprocess/batch managers
	TempDir             string

	PBSQsubOptions  string
	PBSInitCmds     string
	SlurmSbatchOptions string
	SlurmInitCmds      string

	AWSBatchStack  string
	AWSBatchRegion string

	ProgressFunc func(percent float64)
}

// DefaultControl returns a Control with engine defaults and no
// environment overrides, suitable for tests and library callers that
// configure everything programmatically.
func DefaultControl() *Control {
	return &Control{
		BlockWidth:  512,
		BlockHeight: 512,
		Footprint:   grid.Intersection,
		Concurrency: DefaultConcurrency(),
		CalcStats:   true,
		AutoOverviews: true,
		OverviewLevels: []int{4, 8, 16, 32},
		StatsMode:     stats.Driver,
		HistogramMode: stats.Driver,
		PyramidMode:   stats.Driver,
		AggregationNearestOnly: true,
		AWSBatchRegion: "ap-southeast-2",
	}
}

// FromEnvironment builds a Control from engine defaults overlaid with
// the environment variables named in the system design: driver
// defaults, per-driver creation options, PBS/SLURM submission options,
// and the AWS Batch stack/region.
func FromEnvironment() *Control {
	c := DefaultControl()

	if v := os.Getenv("RIOS_DFLT_DRIVER"); v != "" {
		c.DefaultDriver = v
	}
	if v := os.Getenv("RIOS_DFLT_DRIVEROPTIONS"); v != "" {
		c.DefaultDriverOptions = splitCSV(v)
	}
	c.DefaultCreationOptionsByDriver = make(map[string][]string)
	for _, env := range os.Environ() {
		const prefix = "RIOS_DFLT_CREOPT_"
		key, value, ok := splitEnv(env)
		if !ok || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		driver := key[len(prefix):]
		c.DefaultCreationOptionsByDriver[driver] = splitCSV(value)
	}

	if v := os.Getenv("RIOS_DFLT_OVERVIEWLEVELS"); v != "" {
		c.OverviewLevels = parseIntCSV(v)
	}
	if v := os.Getenv("RIOS_DFLT_CONCURRENCYSTYLE"); v != "" {
		c.Concurrency.ComputeWorkerKind = computeworker.Kind(v)
	}

	if v := os.Getenv("RIOS_PBSJOBMGR_QSUBOPTIONS"); v != "" {
		c.PBSQsubOptions = v
	}
	if v := os.Getenv("RIOS_PBSJOBMGR_INITCMDS"); v != "" {
		c.PBSInitCmds = v
	}
	if v := os.Getenv("RIOS_SLURMJOBMGR_SBATCHOPTIONS"); v != "" {
		c.SlurmSbatchOptions = v
	}
	if v := os.Getenv("RIOS_SLURMJOBMGR_INITCMDS"); v != "" {
		c.SlurmInitCmds = v
	}

	if v := os.Getenv("RIOS_AWSBATCH_STACK"); v != "" {
		c.AWSBatchStack = v
	} else {
		c.AWSBatchStack = "RIOS"
	}
	if v := os.Getenv("RIOS_AWSBATCH_REGION"); v != "" {
		c.AWSBatchRegion = v
	}

	if v := os.Getenv("RIOS_COMPUTEWORKER_BINARY"); v != "" {
		c.ComputeWorkerBinary = v
	}

	return c
}

func splitEnv(env string) (key, value string, ok bool) {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return env[:i], env[i+1:], true
		}
	}
	return "", "", false
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func parseIntCSV(s string) []int {
	var out []int
	for _, tok := range splitCSV(s) {
		if v, err := strconv.Atoi(tok); err == nil {
			out = append(out, v)
		}
	}
	return out
}
