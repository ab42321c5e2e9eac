package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/lambda-deployer/internal/errors"
)

const (
	OperationCreate = "CREATE"
	OperationUpdate = "UPDATE"
	OperationNone   = "NONE"

	defaultStackPollInterval = 10 * time.Second
	maxFailedEvents          = 10
	stackResourceType        = "AWS::CloudFormation::Stack"
)

// CloudFormationClient is the subset of the CloudFormation API used here
type CloudFormationClient interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

type StackDeployInput struct {
	StackName  string
	Template   string
	Parameters []types.Parameter
}

type StackDeployResult struct {
	StackName string `json:"stack_name"`
	StackID   string `json:"stack_id"`
	Operation string `json:"operation"`
	Status    string `json:"status,omitempty"`
}

// StackFailure is a resource event that explains a failed stack operation
type StackFailure struct {
	LogicalID    string `json:"logical_id"`
	ResourceType string `json:"resource_type"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

type StackStatus struct {
	StackName    string         `json:"stack_name"`
	StackID      string         `json:"stack_id"`
	Status       string         `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	Failures     []StackFailure `json:"failures,omitempty"`
}

// InProgress reports whether CloudFormation is still working on the stack
func (s StackStatus) InProgress() bool {
	return strings.HasSuffix(s.Status, "_IN_PROGRESS")
}

func (s StackStatus) Succeeded() bool {
	switch types.StackStatus(s.Status) {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete, types.StackStatusImportComplete:
		return true
	default:
		return false
	}
}

func (s StackStatus) Failed() bool {
	return !s.InProgress() && !s.Succeeded()
}

type CloudFormationService struct {
	client       CloudFormationClient
	pollInterval time.Duration
	managedBy    string
}

func NewCloudFormationService(client CloudFormationClient) *CloudFormationService {
	return &CloudFormationService{
		client:       client,
		pollInterval: defaultStackPollInterval,
		managedBy:    "lambda-deployer",
	}
}

// WithPollInterval changes how often stack status is polled while waiting
func (s *CloudFormationService) WithPollInterval(d time.Duration) *CloudFormationService {
	s.pollInterval = d
	return s
}

// Deploy creates the stack when it does not exist and updates it otherwise,
// then waits for a terminal status. An update with no changes is a success.
func (s *CloudFormationService) Deploy(ctx context.Context, input StackDeployInput) (result *StackDeployResult, err error) {
	logger := zerolog.Ctx(ctx).With().Str("stack_name", input.StackName).Logger()

	defer func(begin time.Time) {
		event := logger.Info()
		if err != nil {
			event = logger.Error().Err(err)
		}
		event.Dur("duration", time.Since(begin)).Msg("Stack deployment finished")
	}(time.Now())

	if strings.TrimSpace(input.Template) == "" {
		return nil, deployerrors.ErrTemplateRequired
	}
	if input.StackName == "" {
		return nil, fmt.Errorf("stack name is required")
	}

	current, err := s.Status(ctx, input.StackName)
	switch {
	case errors.Is(err, deployerrors.ErrStackNotFound):
		result, err = s.createStack(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to create stack: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to check if stack exists: %w", err)
	case current.Status == string(types.StackStatusRollbackComplete):
		return nil, fmt.Errorf("stack %s is in %s after a failed create and must be deleted before it can be deployed", input.StackName, current.Status)
	case current.InProgress():
		return nil, fmt.Errorf("stack %s has an operation in progress (%s)", input.StackName, current.Status)
	default:
		result, err = s.updateStack(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to update stack: %w", err)
		}
	}

	logger.Info().
		Str("operation", result.Operation).
		Str("stack_id", result.StackID).
		Msg("Stack operation started")

	if result.Operation == OperationNone {
		result.Status = current.Status
		return result, nil
	}

	final, err := s.wait(ctx, input.StackName)
	if err != nil {
		return nil, err
	}
	result.Status = final.Status

	if final.Failed() {
		return result, stackFailedError(final)
	}
	return result, nil
}

// Status describes the stack and, when it is in a failed state, the resource
// events that caused it.
func (s *CloudFormationService) Status(ctx context.Context, stackName string) (*StackStatus, error) {
	out, err := s.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if isStackMissing(err) {
			return nil, fmt.Errorf("%w: %s", deployerrors.ErrStackNotFound, stackName)
		}
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("%w: %s", deployerrors.ErrStackNotFound, stackName)
	}

	stack := out.Stacks[0]
	status := &StackStatus{
		StackName:    stackName,
		StackID:      aws.ToString(stack.StackId),
		Status:       string(stack.StackStatus),
		StatusReason: aws.ToString(stack.StackStatusReason),
	}

	if status.Failed() {
		failures, err := s.failedEvents(ctx, stackName)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("stack_name", stackName).Msg("Failed to get stack events")
		}
		status.Failures = failures
	}
	return status, nil
}

func (s *CloudFormationService) createStack(ctx context.Context, input StackDeployInput) (*StackDeployResult, error) {
	out, err := s.client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(input.StackName),
		TemplateBody: aws.String(input.Template),
		Parameters:   input.Parameters,
		Capabilities: []types.Capability{
			types.CapabilityCapabilityIam,
			types.CapabilityCapabilityNamedIam,
		},
		Tags: []types.Tag{
			{
				Key:   aws.String("ManagedBy"),
				Value: aws.String(s.managedBy),
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &StackDeployResult{
		StackName: input.StackName,
		StackID:   aws.ToString(out.StackId),
		Operation: OperationCreate,
	}, nil
}

func (s *CloudFormationService) updateStack(ctx context.Context, input StackDeployInput) (*StackDeployResult, error) {
	out, err := s.client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(input.StackName),
		TemplateBody: aws.String(input.Template),
		Parameters:   input.Parameters,
		Capabilities: []types.Capability{
			types.CapabilityCapabilityIam,
			types.CapabilityCapabilityNamedIam,
		},
	})
	if err != nil {
		if isNoUpdates(err) {
			zerolog.Ctx(ctx).Info().Str("stack_name", input.StackName).Msg("No updates needed for stack")
			return &StackDeployResult{
				StackName: input.StackName,
				StackID:   input.StackName,
				Operation: OperationNone,
			}, nil
		}
		return nil, err
	}

	return &StackDeployResult{
		StackName: input.StackName,
		StackID:   aws.ToString(out.StackId),
		Operation: OperationUpdate,
	}, nil
}

func (s *CloudFormationService) wait(ctx context.Context, stackName string) (*StackStatus, error) {
	logger := zerolog.Ctx(ctx)

	for {
		status, err := s.Status(ctx, stackName)
		if err != nil {
			return nil, fmt.Errorf("failed to check stack status: %w", err)
		}
		if !status.InProgress() {
			return status, nil
		}

		logger.Debug().
			Str("stack_name", stackName).
			Str("status", status.Status).
			Msg("Waiting for stack")

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("stopped waiting for stack %s in %s: %w", stackName, status.Status, ctx.Err())
		case <-timer.C:
		}
	}
}

func (s *CloudFormationService) failedEvents(ctx context.Context, stackName string) ([]StackFailure, error) {
	out, err := s.client.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return nil, err
	}

	// events are newest first; older ones belong to earlier operations
	var failures []StackFailure
	for _, event := range out.StackEvents {
		if operationStarted(event, stackName) {
			break
		}
		switch event.ResourceStatus {
		case types.ResourceStatusCreateFailed, types.ResourceStatusUpdateFailed, types.ResourceStatusDeleteFailed:
		default:
			continue
		}
		failures = append(failures, StackFailure{
			LogicalID:    aws.ToString(event.LogicalResourceId),
			ResourceType: aws.ToString(event.ResourceType),
			Status:       string(event.ResourceStatus),
			Reason:       aws.ToString(event.ResourceStatusReason),
		})
		if len(failures) == maxFailedEvents {
			break
		}
	}
	return failures, nil
}

// operationStarted reports whether event is the stack's own
// CREATE_IN_PROGRESS or UPDATE_IN_PROGRESS
func operationStarted(event types.StackEvent, stackName string) bool {
	if aws.ToString(event.ResourceType) != stackResourceType || aws.ToString(event.LogicalResourceId) != stackName {
		return false
	}
	switch event.ResourceStatus {
	case types.ResourceStatusCreateInProgress, types.ResourceStatusUpdateInProgress:
		return true
	}
	return false
}

func stackFailedError(status *StackStatus) error {
	var reasons []string
	for _, f := range status.Failures {
		reasons = append(reasons, fmt.Sprintf("%s (%s): %s", f.LogicalID, f.ResourceType, f.Reason))
	}
	msg := fmt.Sprintf("stack %s finished in %s", status.StackName, status.Status)
	if status.StatusReason != "" {
		msg += ": " + status.StatusReason
	}
	if len(reasons) > 0 {
		msg += "; " + strings.Join(reasons, "; ")
	}
	return errors.New(msg)
}

func isStackMissing(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}
	return false
}

func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError" &&
			(strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed") ||
				strings.Contains(apiErr.ErrorMessage(), "No updates to be performed"))
	}
	return false
}
