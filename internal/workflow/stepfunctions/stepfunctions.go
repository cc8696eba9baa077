// Package stepfunctions drives record pipelines on AWS Step Functions. The state
// machine calls the stage endpoints as tasks and parks the OCR branch on a
// task token; this adapter starts and stops executions and completes
// parked tasks when the OCR engine reports back.
package stepfunctions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
)

const (
	errorCancelled = "RecordCancelled"
	maxCauseLen    = 32768
)

type API interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	StopExecution(ctx context.Context, in *sfn.StopExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StopExecutionOutput, error)
	SendTaskSuccess(ctx context.Context, in *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// Orchestrator is bound to one state machine.
type Orchestrator struct {
	api             API
	stateMachineARN string
	logger          *slog.Logger
}

func New(api API, stateMachineARN string) *Orchestrator {
	return &Orchestrator{
		api:             api,
		stateMachineARN: stateMachineARN,
		logger:          slog.Default().With("component", "sfn-orchestrator"),
	}
}

// Identity is the state machine ARN; executions it started share its
// identity fragment.
func (o *Orchestrator) Identity() string {
	return o.stateMachineARN
}

// StartExecution starts a pipeline run for recordRef and returns the
// execution ARN.
func (o *Orchestrator) StartExecution(ctx context.Context, recordRef string) (string, error) {
	input, err := json.Marshal(ingestion.StartInput{RecordRef: recordRef})
	if err != nil {
		return "", fmt.Errorf("encoding execution input: %w", err)
	}
	out, err := o.api.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(o.stateMachineARN),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		return "", fmt.Errorf("starting execution for %s: %w", recordRef, err)
	}
	ref := aws.ToString(out.ExecutionArn)
	o.logger.Info("execution started", "record_id", recordRef, "execution_ref", ref)
	return ref, nil
}

// StopExecution aborts a running execution. An execution that no longer
// exists is reported as apperrors.ErrExecutionNotFound.
func (o *Orchestrator) StopExecution(ctx context.Context, executionRef, cause string) error {
	_, err := o.api.StopExecution(ctx, &sfn.StopExecutionInput{
		ExecutionArn: aws.String(executionRef),
		Error:        aws.String(errorCancelled),
		Cause:        aws.String(truncate(cause, maxCauseLen)),
	})
	if err != nil {
		var notFound *types.ExecutionDoesNotExist
		if errors.As(err, &notFound) {
			return fmt.Errorf("stopping %s: %w", executionRef, apperrors.ErrExecutionNotFound)
		}
		return fmt.Errorf("stopping %s: %w", executionRef, err)
	}
	o.logger.Info("execution stopped", "execution_ref", executionRef)
	return nil
}

// ResumeTask completes the task parked on token with output as its result.
func (o *Orchestrator) ResumeTask(ctx context.Context, token string, output any) error {
	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encoding task output: %w", err)
	}
	_, err = o.api.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(token),
		Output:    aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("resuming task: %w", mapTaskError(err))
	}
	return nil
}

// mapTaskError folds every "that task is gone" answer into ErrTaskNotFound.
func mapTaskError(err error) error {
	var (
		missing  *types.TaskDoesNotExist
		timedOut *types.TaskTimedOut
		invalid  *types.InvalidToken
	)
	if errors.As(err, &missing) || errors.As(err, &timedOut) || errors.As(err, &invalid) {
		return fmt.Errorf("%w: %w", apperrors.ErrTaskNotFound, err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
