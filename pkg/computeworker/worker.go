package computeworker

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
	"github.com/rios-go/rios/pkg/timers"
)

// RemoteChannel is the subset of netchannel.Client a remote worker
// drives. Kept as an interface here (rather than importing netchannel
// directly, which would import computeworker back) so the command-line
// entry point supplies the concrete client.
type RemoteChannel interface {
	GetInit() (*InitPayload, error)
	PopNextBlock() (block.Defn, *assoc.BlockAssociations, error)
	InsertCompleteBlock(defn block.Defn, ba *assoc.BlockAssociations) error
	PushOutbound(obj PostRunObject) error
	PushException(rec *WorkerErrorRecord) error
	CheckForceExit() (bool, error)
	BarrierWait() error
}

// RemoteWorkerOptions configures RunRemoteWorker.
type RemoteWorkerOptions struct {
	WorkerID int
	Channel  RemoteChannel
	Registry *FuncRegistry
	Log      *logging.Logger
}

// RunRemoteWorker drives the subprocess/batch compute-worker inner loop
// against a NetworkDataChannel: fetch the init payload, resolve the
// registered user function, rendezvous at the start barrier, then pull
// and process blocks in whatever order the driver's read pool finishes
// them (PopNextBlock), mirroring poppedNext's any-order discipline
// since the worker has no in-process view of its own sublist order.
// It returns after ForceExit is observed, the sublist's block count is
// exhausted, or a fatal error occurs. A failure to resolve the user
// function, copy the auxiliary template, find the sublist, pop a block
// or run the user function pushes a WorkerErrorRecord; an exhausted
// sublist pushes a PostRunObject; an init-fetch, barrier or
// force-exit-check failure, or an observed force-exit, returns without
// pushing anything.
func RunRemoteWorker(opts RemoteWorkerOptions) error {
	log := opts.Log
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	wlog := log.WithWorker("compute", opts.WorkerID)

	payload, err := opts.Channel.GetInit()
	if err != nil {
		return rioserrors.Wrap(rioserrors.WorkerException, "failed to fetch init payload", err, nil)
	}

	fn, err := opts.Registry.Resolve(payload.FuncID, payload.BuildHash)
	if err != nil {
		opts.Channel.PushException(RecordFromError(err, "compute", opts.WorkerID))
		return err
	}

	aux, err := DeepCopyAux(payload.AuxTemplate)
	if err != nil {
		opts.Channel.PushException(RecordFromError(err, "compute", opts.WorkerID))
		return err
	}

	if opts.WorkerID >= len(payload.Sublists) {
		err := rioserrors.New(rioserrors.Parameter, "worker id has no assigned sublist")
		opts.Channel.PushException(RecordFromError(err, "compute", opts.WorkerID))
		return err
	}
	sublist := payload.Sublists[opts.WorkerID]
	totalBlocks := 0
	for _, s := range payload.Sublists {
		totalBlocks += len(s)
	}

	if err := opts.Channel.BarrierWait(); err != nil {
		return rioserrors.Wrap(rioserrors.WorkerException, "start barrier failed", err, nil)
	}

	tmrs := timers.New()

	for range sublist {
		exit, err := opts.Channel.CheckForceExit()
		if err != nil {
			return rioserrors.Wrap(rioserrors.WorkerException, "force-exit check failed", err, nil)
		}
		if exit {
			wlog.Info("force-exit observed")
			return nil
		}

		defn, inputs, err := opts.Channel.PopNextBlock()
		if err != nil {
			werr := rioserrors.Wrap(rioserrors.WorkerException, "failed to pop next block", err, nil)
			opts.Channel.PushException(RecordFromError(werr, "compute", opts.WorkerID))
			return werr
		}

		info := NewReaderInfo(defn, payload.WorkingGrid, blockGlobalIndex(defn, payload.WorkingGrid), totalBlocks)

		outputs := assoc.NewBlockAssociations(payload.OutputSpec)
		fnStart := time.Now()
		fnErr := fn(info, inputs, outputs, aux)
		tmrs.Add("userfunc", float64(fnStart.Unix()), float64(time.Now().Unix()))
		if fnErr != nil {
			werr := rioserrors.Wrap(rioserrors.WorkerException, "user function failed", fnErr, map[string]interface{}{
				"block": defn,
			})
			opts.Channel.PushException(RecordFromError(werr, "compute", opts.WorkerID))
			return werr
		}
		if !outputs.Complete() {
			werr := rioserrors.New(rioserrors.KeyMismatch, "user function did not populate every declared output attribute")
			opts.Channel.PushException(RecordFromError(werr, "compute", opts.WorkerID))
			return werr
		}

		if err := opts.Channel.InsertCompleteBlock(defn, outputs); err != nil {
			werr := rioserrors.Wrap(rioserrors.WorkerException, "failed to return completed block", err, nil)
			opts.Channel.PushException(RecordFromError(werr, "compute", opts.WorkerID))
			return werr
		}
	}

	return opts.Channel.PushOutbound(PostRunObject{
		WorkerID:  opts.WorkerID,
		Timers:    tmrs,
		AuxResult: aux,
	})
}

// DeepCopyAux clones the init payload's auxiliary template through gob
// so each worker mutates its own copy rather than sharing state across
// workers in the same process. A nil template round-trips to nil. The
// concrete type underlying the interface{} must be gob-registered by
// whatever package also registers the user function, exactly as gob
// requires for any interface value. Exported so every compute-worker
// manager realisation — in-process goroutines included, not only the
// remote/subprocess path — can give each worker its own aux copy.
func DeepCopyAux(template interface{}) (interface{}, error) {
	if template == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&template); err != nil {
		return nil, rioserrors.Wrap(rioserrors.TypeConversion, "failed to encode aux template (concrete type registered with gob.Register?)", err, nil)
	}
	var out interface{}
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, rioserrors.Wrap(rioserrors.TypeConversion, "failed to decode aux template copy", err, nil)
	}
	return out, nil
}
