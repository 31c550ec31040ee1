package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rios-go/rios/pkg/computeworker"
)

func TestQueueCommandsDifferByKind(t *testing.T) {
	pbs := New(PBS, t.TempDir(), "compute-worker", nil, nil)
	assert.Equal(t, []string{"qstat"}, pbs.queueCmd())
	assert.Equal(t, "qsub", pbs.submitCmd())
	assert.Equal(t, 0, pbs.qlistHeaderCount())

	slurm := New(SLURM, t.TempDir(), "compute-worker", nil, nil)
	assert.Equal(t, []string{"squeue", "--noheader"}, slurm.queueCmd())
	assert.Equal(t, "sbatch", slurm.submitCmd())
	assert.Equal(t, 2, slurm.qlistHeaderCount())
}

func TestCheckAvailableReportsMissingSubmitTool(t *testing.T) {
	m := New(PBS, t.TempDir(), "compute-worker", nil, nil)
	err := m.checkAvailable()
	// A bare CI/test host is very unlikely to carry a real PBS install,
	// so this should consistently surface Unavailable.
	if err != nil {
		assert.Contains(t, err.Error(), "PBS")
	}
}

func TestParseJobIDHandlesPBSAndSLURMOutput(t *testing.T) {
	pbs := New(PBS, t.TempDir(), "compute-worker", nil, nil)
	id, err := pbs.parseJobID("12345.server\n")
	require.NoError(t, err)
	assert.Equal(t, "12345.server", id)

	_, err = pbs.parseJobID("   \n")
	assert.Error(t, err)

	slurm := New(SLURM, t.TempDir(), "compute-worker", nil, nil)
	id, err = slurm.parseJobID("Submitted batch job 98765\n")
	require.NoError(t, err)
	assert.Equal(t, "98765", id)

	_, err = slurm.parseJobID("nonsense")
	assert.Error(t, err)
}

func TestBeginScriptEmbedsLogfileAndJobName(t *testing.T) {
	pbs := New(PBS, t.TempDir(), "compute-worker", nil, nil)
	lines := pbs.beginScript("/tmp/rios_batch_0.log", 0)
	joined := ""
	for _, l := range lines {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "/tmp/rios_batch_0.log")
	assert.Contains(t, joined, "rios-worker-0")

	slurm := New(SLURM, t.TempDir(), "compute-worker", nil, nil)
	lines = slurm.beginScript("/tmp/rios_batch_1.log", 1)
	joined = ""
	for _, l := range lines {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "#SBATCH -o /tmp/rios_batch_1.log")
	assert.Contains(t, joined, "rios-worker-1")
}

func TestFindExtraErrorsDetectsNonZeroExitStatus(t *testing.T) {
	workDir := t.TempDir()
	m := New(PBS, workDir, "compute-worker", nil, nil)

	logFile := filepath.Join(workDir, "rios_batch_0.log")
	body := "Begin-rios-worker\nsome worker output\ncompute-worker status: 2\nEnd-rios-worker\n"
	require.NoError(t, os.WriteFile(logFile, []byte(body), 0644))
	m.logFiles = []string{logFile}

	recs := m.findExtraErrors()
	require.Len(t, recs, 1)
	assert.Equal(t, 0, recs[0].WorkerID)
	assert.Contains(t, recs[0].Message, "status 2")
}

func TestFindExtraErrorsIgnoresCleanExit(t *testing.T) {
	workDir := t.TempDir()
	m := New(PBS, workDir, "compute-worker", nil, nil)

	logFile := filepath.Join(workDir, "rios_batch_0.log")
	body := "Begin-rios-worker\nall good\ncompute-worker status: 0\nEnd-rios-worker\n"
	require.NoError(t, os.WriteFile(logFile, []byte(body), 0644))
	m.logFiles = []string{logFile}

	assert.Empty(t, m.findExtraErrors())
}

func TestDerefHandlesNilAndPopulatedPointer(t *testing.T) {
	assert.Equal(t, "", deref(nil))
	s := "reason"
	assert.Equal(t, "reason", deref(&s))
}

func TestAWSECSStartWorkersRejectsMissingRunTask(t *testing.T) {
	m := NewAWSECS(nil, "us-west-2", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.StartWorkers(ctx, 1, &computeworker.InitPayload{}, time.Second)
	assert.Error(t, err)

	m = NewAWSECS(&ECSExtraParams{}, "us-west-2", nil, nil)
	err = m.StartWorkers(ctx, 1, &computeworker.InitPayload{}, time.Second)
	assert.Error(t, err)
}
