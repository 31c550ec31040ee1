package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/netchannel"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// ECSExtraParams mirrors the two request shapes an ECS worker launch
// needs: the task definition to register once, and the run-task
// template replicated (with a worker-specific command override) for
// each worker.
type ECSExtraParams struct {
	TaskDefinition *ecs.RegisterTaskDefinitionInput
	RunTask        *ecs.RunTaskInput
}

// AWSECSManager registers one task definition, then runs one ECS task
// per compute worker against it, with the worker index and channel
// address substituted into the container command override.
type AWSECSManager struct {
	extra  *ECSExtraParams
	region string

	server *netchannel.Server
	log    *logging.Logger

	client     *ecs.Client
	taskDefArn string
}

func NewAWSECS(extra *ECSExtraParams, region string, server *netchannel.Server, log *logging.Logger) *AWSECSManager {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &AWSECSManager{extra: extra, region: region, server: server, log: log.WithComponent("computeworker.awsecs")}
}

func (m *AWSECSManager) StartWorkers(ctx context.Context, numWorkers int, payload *computeworker.InitPayload, barrierTimeout time.Duration) error {
	if m.extra == nil || m.extra.RunTask == nil {
		return rioserrors.New(rioserrors.Parameter, "AWS ECS compute worker manager requires ECSExtraParams.RunTask")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(m.region))
	if err != nil {
		return rioserrors.Wrap(rioserrors.Unavailable, "failed to load AWS config", err, nil)
	}
	m.client = ecs.NewFromConfig(cfg)

	if m.extra.TaskDefinition != nil {
		resp, err := m.client.RegisterTaskDefinition(ctx, m.extra.TaskDefinition)
		if err != nil {
			return rioserrors.Wrap(rioserrors.ECS, "register_task_definition failed", err, nil)
		}
		m.taskDefArn = *resp.TaskDefinition.TaskDefinitionArn
	}

	addr, err := m.server.Start("")
	if err != nil {
		return err
	}

	runTask := *m.extra.RunTask
	runTask.TaskDefinition = &m.taskDefArn
	if len(runTask.Overrides.ContainerOverrides) == 0 {
		return rioserrors.New(rioserrors.Parameter, "RunTaskInput.Overrides.ContainerOverrides must have one entry to override")
	}

	for i := 0; i < numWorkers; i++ {
		override := runTask.Overrides.ContainerOverrides[0]
		override.Command = []string{"-i", fmt.Sprintf("%d", i), "--channaddr", addr.String()}
		taskInput := runTask
		taskInput.Overrides = &ecstypes.TaskOverride{ContainerOverrides: []ecstypes.ContainerOverride{override}}

		resp, err := m.client.RunTask(ctx, &taskInput)
		if err != nil {
			m.server.SetForceExit()
			return rioserrors.Wrap(rioserrors.ECS, "run_task failed", err, map[string]interface{}{"worker": i})
		}
		if len(resp.Failures) > 0 {
			m.server.SetForceExit()
			var msgs []string
			for _, f := range resp.Failures {
				msgs = append(msgs, fmt.Sprintf("worker %d: %s %s", i, deref(f.Reason), deref(f.Detail)))
			}
			return rioserrors.New(rioserrors.ECS, strings.Join(msgs, "\n"))
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *AWSECSManager) Shutdown(ctx context.Context) ([]computeworker.PostRunObject, error) {
	m.server.SetForceExit()
	if m.taskDefArn != "" && m.client != nil {
		m.client.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{TaskDefinition: &m.taskDefArn})
	}
	if err := m.server.Shutdown(); err != nil {
		return nil, err
	}
	objs := m.server.DrainOutbound()
	if errs := m.Errors(); len(errs) > 0 {
		return objs, errs[0]
	}
	return objs, nil
}

func (m *AWSECSManager) Errors() []*computeworker.WorkerErrorRecord {
	return m.server.Exceptions()
}

var _ computeworker.Manager = (*AWSECSManager)(nil)
