// Command compute-worker is the remote compute-worker entry point
// launched by the subprocess and batch (PBS/SLURM/AWS Batch/AWS ECS)
// manager realisations: one process per worker, dialing back to the
// driver's NetworkDataChannel for its init payload, its input blocks,
// and a place to return finished ones.
//
// Usage:
//
//	compute-worker -i <workerID> --channaddr host,port,authkey
//	compute-worker -i <workerID> --channaddrfile /path/to/addrfile
//
// --channaddrfile is used by the PBS/SLURM batch manager, where the
// authkey would otherwise sit in a world-readable job command line;
// --channaddr is used by the local subprocess manager, which controls
// both ends of the pipe itself, and by the AWS Batch and AWS ECS
// managers, which pass it in the container command.
//
// Exit status is 0 on success, non-zero on any failure, with the
// causing error's text on stderr for the submission log to capture.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/netchannel"
)

// buildHash identifies this binary's build for the worker/driver
// build-hash check in InitPayload.BuildHash. Deployments that need the
// check enforced should set this at link time, e.g.
// -ldflags "-X main.buildHash=$(git rev-parse HEAD)".
var buildHash = ""

// registry is populated by whichever deployment links this binary: the
// generic engine has no user functions of its own, so it ships this
// worker with an empty registry that rejects every FuncID with a clear
// error. A concrete deployment adds its applier functions here (or
// splits this file's registry construction into its own package) before
// building compute-worker for its job image.
func registry() *computeworker.FuncRegistry {
	return computeworker.NewFuncRegistry(buildHash)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		workerID      = flag.Int("i", -1, "worker id (index into the init payload's sublist array)")
		channAddr     = flag.String("channaddr", "", "host,port,authkey of the driver's network data channel")
		channAddrFile = flag.String("channaddrfile", "", "path to a file containing host,port,authkey")
		dialTimeout   = flag.Duration("dial-timeout", 30*time.Second, "timeout for the initial connection")
	)
	flag.Parse()

	if *workerID < 0 {
		return fmt.Errorf("compute-worker: -i <workerID> is required")
	}

	addrStr := *channAddr
	if *channAddrFile != "" {
		data, err := os.ReadFile(*channAddrFile)
		if err != nil {
			return fmt.Errorf("compute-worker: failed to read channaddrfile: %w", err)
		}
		addrStr = strings.TrimSpace(string(data))
	}
	if addrStr == "" {
		return fmt.Errorf("compute-worker: one of --channaddr or --channaddrfile is required")
	}

	addr, err := netchannel.ParseAddress(addrStr)
	if err != nil {
		return fmt.Errorf("compute-worker: %w", err)
	}

	client, err := netchannel.Dial(addr, *dialTimeout)
	if err != nil {
		return fmt.Errorf("compute-worker: %w", err)
	}
	defer client.Close()

	log := logging.NewLogger(logging.DefaultConfig()).WithComponent("compute-worker")

	return computeworker.RunRemoteWorker(computeworker.RemoteWorkerOptions{
		WorkerID: *workerID,
		Channel:  client,
		Registry: registry(),
		Log:      log,
	})
}
