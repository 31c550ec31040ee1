// Package batch implements the classic-batch-queue compute worker
// managers (PBS and SLURM) and the AWS Batch/ECS realisations: each
// worker is submitted as an independent job, and the manager polls the
// queue (PBS/SLURM) or the job-description API (AWS) for completion
// rather than holding an OS process handle directly.
package batch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/netchannel"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Kind distinguishes PBS from SLURM within the shared ClassicManager,
// since the two differ only in script header syntax and CLI tool names.
type Kind int

const (
	PBS Kind = iota
	SLURM
)

// markers bound the worker command's own stdout/stderr within the batch
// log file, so findExtraErrors can separate its output from the job
// scheduler's preamble.
const (
	beginMarker = "Begin-rios-worker"
	endMarker   = "End-rios-worker"
)

// ClassicManager submits one batch job per worker via qsub or sbatch,
// then polls the queue (qstat/squeue) until every submitted job id has
// left it. A fsnotify watcher on the log directory lets it notice a
// worker's log file appearing without waiting out a full poll interval,
// though the poll remains the authority for "job has left the queue".
type ClassicManager struct {
	kind       Kind
	workDir    string
	binaryPath string // path to the compute-worker executable
	log        *logging.Logger

	server *netchannel.Server

	mu          sync.Mutex
	scriptFiles []string
	logFiles    []string
	jobIDs      []string
	extraErrs   []*computeworker.WorkerErrorRecord
}

// New constructs a ClassicManager. workDir holds generated scripts and
// logs (normally a tempfile.Manager-allocated directory).
func New(kind Kind, workDir, binaryPath string, server *netchannel.Server, log *logging.Logger) *ClassicManager {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &ClassicManager{kind: kind, workDir: workDir, binaryPath: binaryPath, server: server, log: log.WithComponent("computeworker.batch")}
}

func (m *ClassicManager) queueCmd() []string {
	if m.kind == PBS {
		return []string{"qstat"}
	}
	return []string{"squeue", "--noheader"}
}

func (m *ClassicManager) submitCmd() string {
	if m.kind == PBS {
		return "qsub"
	}
	return "sbatch"
}

func (m *ClassicManager) qlistHeaderCount() int {
	if m.kind == PBS {
		return 0
	}
	return 2
}

// checkAvailable verifies the batch system's submission tool exists on
// PATH before committing to submitting any jobs.
func (m *ClassicManager) checkAvailable() error {
	if _, err := exec.LookPath(m.submitCmd()); err != nil {
		name := "PBS"
		if m.kind == SLURM {
			name = "SLURM"
		}
		return rioserrors.New(rioserrors.Unavailable, name+" is not available: "+m.submitCmd()+" not found on PATH")
	}
	return nil
}

func (m *ClassicManager) beginScript(logfile string, workerID int) []string {
	workerName := fmt.Sprintf("rios-worker-%d", workerID)
	var lines []string
	if m.kind == PBS {
		lines = []string{
			"#!/bin/bash",
			"#PBS -j oe -o " + logfile,
			"#PBS -N " + workerName,
		}
		if opts := os.Getenv("RIOS_PBSJOBMGR_QSUBOPTIONS"); opts != "" {
			lines = append(lines, "#PBS "+opts)
		}
		if init := os.Getenv("RIOS_PBSJOBMGR_INITCMDS"); init != "" {
			lines = append(lines, init)
		}
	} else {
		lines = []string{
			"#!/bin/bash",
			"#SBATCH -o " + logfile,
			"#SBATCH -e " + logfile,
			"#SBATCH -J " + workerName,
		}
		if opts := os.Getenv("RIOS_SLURMJOBMGR_SBATCHOPTIONS"); opts != "" {
			lines = append(lines, "#SBATCH "+opts)
		}
		if init := os.Getenv("RIOS_SLURMJOBMGR_INITCMDS"); init != "" {
			lines = append(lines, init)
		}
	}
	return lines
}

func (m *ClassicManager) parseJobID(stdout string) (string, error) {
	if m.kind == PBS {
		id := strings.TrimSpace(stdout)
		if id == "" {
			return "", rioserrors.New(rioserrors.BatchQueue, "qsub produced no job id")
		}
		return id, nil
	}
	// SLURM prints "Submitted batch job <id>"
	fields := strings.Fields(strings.TrimSpace(stdout))
	if len(fields) < 4 {
		return "", rioserrors.New(rioserrors.BatchQueue, "unexpected sbatch output: "+stdout)
	}
	return fields[3], nil
}

// StartWorkers writes and submits one script per worker, then blocks on
// the start barrier so the driver only proceeds once every worker has
// connected back to the network data channel.
func (m *ClassicManager) StartWorkers(ctx context.Context, numWorkers int, payload *computeworker.InitPayload, barrierTimeout time.Duration) error {
	if err := m.checkAvailable(); err != nil {
		return err
	}

	addr, err := m.server.Start("")
	if err != nil {
		return err
	}

	for i := 0; i < numWorkers; i++ {
		if err := m.submitWorker(i, addr); err != nil {
			return err
		}
	}

	barrierErr := make(chan error, 1)
	go func() { barrierErr <- m.server.Barrier().Wait() }()
	select {
	case err := <-barrierErr:
		return err
	case <-time.After(barrierTimeout):
		m.server.SetForceExit()
		return rioserrors.NewTimeout("compute worker start barrier", "RIOS_COMPUTEBARRIERTIMEOUT", barrierTimeout)
	case <-ctx.Done():
		m.server.SetForceExit()
		return ctx.Err()
	}
}

func (m *ClassicManager) submitWorker(workerID int, addr netchannel.Address) error {
	scriptFile := fmt.Sprintf("%s/rios_batch_%d.sh", m.workDir, workerID)
	logFile := fmt.Sprintf("%s/rios_batch_%d.log", m.workDir, workerID)

	addrFile := fmt.Sprintf("%s/rios_channaddr_%d", m.workDir, workerID)
	if err := os.WriteFile(addrFile, []byte(addr.String()), 0600); err != nil {
		return rioserrors.Wrap(rioserrors.FileOpen, "failed to write channel address file", err, nil)
	}

	lines := m.beginScript(logFile, workerID)
	workerCmd := fmt.Sprintf("%s -i %d --channaddrfile %s", m.binaryPath, workerID, addrFile)
	lines = append(lines,
		"echo '"+beginMarker+"'",
		workerCmd,
		"WORKERCMDSTAT=$?",
		"echo '"+endMarker+"'",
		"echo 'compute-worker status:' $WORKERCMDSTAT",
	)

	if err := os.WriteFile(scriptFile, []byte(strings.Join(lines, "\n")+"\n"), 0755); err != nil {
		return rioserrors.Wrap(rioserrors.FileOpen, "failed to write batch script", err, nil)
	}

	cmd := exec.Command(m.submitCmd(), scriptFile)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil && stderr.Len() == 0 {
		return rioserrors.Wrap(rioserrors.BatchQueue, "submit command failed", err, map[string]interface{}{"worker": workerID})
	}
	if stderr.Len() > 0 {
		return rioserrors.New(rioserrors.BatchQueue, "submit command reported an error: "+stderr.String())
	}

	jobID, err := m.parseJobID(stdout.String())
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.scriptFiles = append(m.scriptFiles, scriptFile)
	m.logFiles = append(m.logFiles, logFile)
	m.jobIDs = append(m.jobIDs, jobID)
	m.mu.Unlock()
	return nil
}

// waitOnJobs polls the queue every 60 seconds until none of the
// submitted job ids remain in it. A fsnotify watch on the work
// directory wakes the loop early on any change there (such as a log
// file being created or written), which triggers an immediate re-check
// of the queue listing; that listing stays the authoritative
// "finished" signal.
func (m *ClassicManager) waitOnJobs(ctx context.Context) error {
	m.mu.Lock()
	pending := make(map[string]bool, len(m.jobIDs))
	for _, id := range m.jobIDs {
		pending[id] = true
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		watcher.Add(m.workDir)
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		inQueue, err := m.listQueueIDs()
		if err != nil {
			return err
		}
		stillPending := false
		for id := range pending {
			if inQueue[id] {
				stillPending = true
				break
			}
		}
		if !stillPending {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-watcherEvents(watcher):
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (m *ClassicManager) listQueueIDs() (map[string]bool, error) {
	cmd := exec.Command(m.queueCmd()[0], m.queueCmd()[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, rioserrors.Wrap(rioserrors.BatchQueue, "failed to list batch queue", err, nil)
	}

	ids := make(map[string]bool)
	scanner := bufio.NewScanner(&stdout)
	lineNum := 0
	skip := m.qlistHeaderCount()
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		if lineNum <= skip || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			ids[fields[0]] = true
		}
	}
	return ids, nil
}

// findExtraErrors scrapes each worker's log for the exit-status line
// the script writes after the end marker; a nonzero or missing status
// is reported as a worker exception carrying the output between the
// begin/end markers, since batch-queue failures never reach the
// exception queue over the network channel.
func (m *ClassicManager) findExtraErrors() []*computeworker.WorkerErrorRecord {
	m.mu.Lock()
	logFiles := append([]string(nil), m.logFiles...)
	m.mu.Unlock()

	var recs []*computeworker.WorkerErrorRecord
	for workerID, logFile := range logFiles {
		data, err := os.ReadFile(logFile)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		beginIdx, endIdx := -1, len(lines)
		statusVal := 1
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, beginMarker) {
				beginIdx = i
			}
			if strings.HasPrefix(trimmed, endMarker) {
				endIdx = i
			}
			if strings.HasPrefix(trimmed, "compute-worker status:") {
				parts := strings.Split(trimmed, ":")
				if v, err := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1])); err == nil {
					statusVal = v
				}
			}
		}
		if statusVal != 0 {
			body := ""
			if beginIdx >= 0 && beginIdx+1 <= endIdx {
				body = strings.Join(lines[beginIdx+1:endIdx], "\n")
			}
			recs = append(recs, &computeworker.WorkerErrorRecord{
				ErrType:    rioserrors.BatchQueue.String(),
				Message:    fmt.Sprintf("batch worker %d exited with status %d", workerID, statusVal),
				Traceback:  body,
				WorkerKind: "compute",
				WorkerID:   workerID,
			})
		}
	}
	return recs
}

func (m *ClassicManager) Shutdown(ctx context.Context) ([]computeworker.PostRunObject, error) {
	m.server.SetForceExit()
	if err := m.waitOnJobs(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.extraErrs = m.findExtraErrors()
	m.mu.Unlock()

	if err := m.server.Shutdown(); err != nil {
		return nil, err
	}
	objs := m.server.DrainOutbound()
	if errs := m.Errors(); len(errs) > 0 {
		return objs, errs[0]
	}
	return objs, nil
}

// Errors returns every WorkerErrorRecord observed: exceptions pushed
// over the network channel, plus any found by scraping batch logs for
// a nonzero exit status that never made it across the channel.
func (m *ClassicManager) Errors() []*computeworker.WorkerErrorRecord {
	recs := m.server.Exceptions()
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(recs, m.extraErrs...)
}

var _ computeworker.Manager = (*ClassicManager)(nil)
