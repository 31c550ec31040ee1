package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rios-go/rios/pkg/computeworker"
)

func TestDefaultControlUsesEngineDefaults(t *testing.T) {
	c := DefaultControl()
	assert.Equal(t, 512, c.BlockWidth)
	assert.Equal(t, 512, c.BlockHeight)
	assert.Equal(t, computeworker.KindThread, c.Concurrency.ComputeWorkerKind)
	assert.Equal(t, 1, c.Concurrency.NumReadWorkers)
	assert.True(t, c.CalcStats)
}

func TestFromEnvironmentOverridesDriverDefaults(t *testing.T) {
	t.Setenv("RIOS_DFLT_DRIVER", "KEA")
	t.Setenv("RIOS_DFLT_DRIVEROPTIONS", "COMPRESSED=YES,FOO=BAR")
	t.Setenv("RIOS_DFLT_CREOPT_GTIFF", "TILED=YES,BLOCKXSIZE=256")
	t.Setenv("RIOS_DFLT_OVERVIEWLEVELS", "2,4,8")
	t.Setenv("RIOS_DFLT_CONCURRENCYSTYLE", string(computeworker.KindSubprocess))

	c := FromEnvironment()
	assert.Equal(t, "KEA", c.DefaultDriver)
	assert.Equal(t, []string{"COMPRESSED=YES", "FOO=BAR"}, c.DefaultDriverOptions)
	assert.Equal(t, []string{"TILED=YES", "BLOCKXSIZE=256"}, c.DefaultCreationOptionsByDriver["GTIFF"])
	assert.Equal(t, []int{2, 4, 8}, c.OverviewLevels)
	assert.Equal(t, computeworker.KindSubprocess, c.Concurrency.ComputeWorkerKind)
}

func TestFromEnvironmentDefaultsAWSBatchStackWhenUnset(t *testing.T) {
	os.Unsetenv("RIOS_AWSBATCH_STACK")
	c := FromEnvironment()
	assert.Equal(t, "RIOS", c.AWSBatchStack)
}

func TestSplitCSVHandlesEmptyAndTrailingCommas(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV("a,b"))
	assert.Empty(t, splitCSV(""))
	assert.Equal(t, []string{"a"}, splitCSV("a,"))
}

func TestParseIntCSVSkipsUnparsableTokens(t *testing.T) {
	require.Equal(t, []int{1, 3}, parseIntCSV("1,x,3"))
}
