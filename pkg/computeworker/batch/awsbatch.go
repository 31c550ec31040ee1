package batch

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/netchannel"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// AWSBatchManager submits one AWS Batch job per compute worker against
// a job queue/definition pair discovered from a CloudFormation stack's
// outputs ($RIOS_AWSBATCH_STACK, $RIOS_AWSBATCH_REGION), rather than
// requiring the caller to know the queue ARN directly.
type AWSBatchManager struct {
	stackName string
	region    string

	server *netchannel.Server
	log    *logging.Logger

	cfClient    *cloudformation.Client
	batchClient *batch.Client

	jobIDs []string
}

// NewAWSBatch constructs an AWSBatchManager. Both stackName and region
// fall back to RIOS_AWSBATCH_STACK/RIOS_AWSBATCH_REGION-style defaults
// supplied by package config when empty.
func NewAWSBatch(stackName, region string, server *netchannel.Server, log *logging.Logger) *AWSBatchManager {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &AWSBatchManager{stackName: stackName, region: region, server: server, log: log.WithComponent("computeworker.awsbatch")}
}

type stackOutputs struct {
	maxVCPUs      int
	vCPUsPerJob   int
	jobQueue      string
	jobDefinition string
}

func (m *AWSBatchManager) getStackOutputs(ctx context.Context) (*stackOutputs, error) {
	resp, err := m.cfClient.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: &m.stackName})
	if err != nil {
		return nil, rioserrors.Wrap(rioserrors.Unavailable, "failed to describe AWS Batch stack "+m.stackName, err, nil)
	}
	if len(resp.Stacks) == 0 {
		return nil, rioserrors.New(rioserrors.Unavailable, "AWS Batch stack '"+m.stackName+"' is not available")
	}

	values := make(map[string]string)
	for _, out := range resp.Stacks[0].Outputs {
		if out.OutputKey != nil && out.OutputValue != nil {
			values[*out.OutputKey] = *out.OutputValue
		}
	}

	so := &stackOutputs{
		jobQueue:      values["BatchProcessingJobQueueName"],
		jobDefinition: values["BatchProcessingJobDefinitionName"],
	}
	fmt.Sscanf(values["BatchMaxVCPUS"], "%d", &so.maxVCPUs)
	fmt.Sscanf(values["BatchVCPUS"], "%d", &so.vCPUsPerJob)
	if so.vCPUsPerJob == 0 {
		so.vCPUsPerJob = 1
	}
	return so, nil
}

func (m *AWSBatchManager) StartWorkers(ctx context.Context, numWorkers int, payload *computeworker.InitPayload, barrierTimeout time.Duration) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(m.region))
	if err != nil {
		return rioserrors.Wrap(rioserrors.Unavailable, "failed to load AWS config", err, nil)
	}
	m.cfClient = cloudformation.NewFromConfig(cfg)
	m.batchClient = batch.NewFromConfig(cfg)

	outputs, err := m.getStackOutputs(ctx)
	if err != nil {
		return err
	}

	maxBatchJobs := outputs.maxVCPUs / outputs.vCPUsPerJob
	if numWorkers > maxBatchJobs {
		return rioserrors.New(rioserrors.Parameter, "requested number of compute workers exceeds maxVCPUs/vCPUsPerJob; increase this ratio or reduce numComputeWorkers")
	}

	addr, err := m.server.Start("")
	if err != nil {
		return err
	}

	for i := 0; i < numWorkers; i++ {
		workerName := fmt.Sprintf("rios-worker-%d", i)
		cmdArgs := []string{"-i", fmt.Sprintf("%d", i), "--channaddr", addr.String()}
		out, err := m.batchClient.SubmitJob(ctx, &batch.SubmitJobInput{
			JobName:       &workerName,
			JobQueue:      &outputs.jobQueue,
			JobDefinition: &outputs.jobDefinition,
			ContainerOverrides: &batchtypes.ContainerOverrides{
				Command: cmdArgs,
			},
		})
		if err != nil {
			return rioserrors.Wrap(rioserrors.BatchQueue, "submit_job failed", err, map[string]interface{}{"worker": i})
		}
		m.jobIDs = append(m.jobIDs, *out.JobId)
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

func (m *AWSBatchManager) Shutdown(ctx context.Context) ([]computeworker.PostRunObject, error) {
	m.server.SetForceExit()
	if err := m.server.Shutdown(); err != nil {
		return nil, err
	}
	objs := m.server.DrainOutbound()
	if errs := m.Errors(); len(errs) > 0 {
		return objs, errs[0]
	}
	return objs, nil
}

func (m *AWSBatchManager) Errors() []*computeworker.WorkerErrorRecord {
	return m.server.Exceptions()
}

var _ computeworker.Manager = (*AWSBatchManager)(nil)
