package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/rs/zerolog"
)

const defaultFunctionUpdateTimeout = 5 * time.Minute

// LambdaClient is the subset of the Lambda API used here. It also satisfies
// the API client the SDK waiters need.
type LambdaClient interface {
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
}

// FunctionUpdate is the outcome of pointing a function at a new image
type FunctionUpdate struct {
	FunctionName string `json:"function_name"`
	FunctionARN  string `json:"function_arn"`
	ImageURI     string `json:"image_uri"`
	Version      string `json:"version"`
	CodeSHA256   string `json:"code_sha256"`
}

type LambdaService struct {
	client        LambdaClient
	updateTimeout time.Duration
	waitOptions   []func(*lambda.FunctionUpdatedWaiterOptions)
}

func NewLambdaService(client LambdaClient) *LambdaService {
	return &LambdaService{
		client:        client,
		updateTimeout: defaultFunctionUpdateTimeout,
	}
}

// WithWaiterOptions overrides polling behaviour, used by tests to avoid sleeping
func (s *LambdaService) WithWaiterOptions(timeout time.Duration, optFns ...func(*lambda.FunctionUpdatedWaiterOptions)) *LambdaService {
	s.updateTimeout = timeout
	s.waitOptions = optFns
	return s
}

// UpdateFunctionImage points functionName at imageURI and waits for the update
// to finish so the next step sees the new code.
func (s *LambdaService) UpdateFunctionImage(ctx context.Context, functionName, imageURI string) (*FunctionUpdate, error) {
	logger := zerolog.Ctx(ctx)

	logger.Info().
		Str("function_name", functionName).
		Str("image_uri", imageURI).
		Msg("Updating function image")

	output, err := s.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(functionName),
		ImageUri:     aws.String(imageURI),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update function code for %s: %w", functionName, err)
	}

	waiter := lambda.NewFunctionUpdatedWaiter(s.client, s.waitOptions...)
	err = waiter.Wait(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(functionName),
	}, s.updateTimeout)
	if err != nil {
		return nil, fmt.Errorf("function %s did not finish updating: %w", functionName, err)
	}

	update := &FunctionUpdate{
		FunctionName: aws.ToString(output.FunctionName),
		FunctionARN:  aws.ToString(output.FunctionArn),
		ImageURI:     imageURI,
		Version:      aws.ToString(output.Version),
		CodeSHA256:   aws.ToString(output.CodeSha256),
	}

	logger.Info().
		Str("function_name", functionName).
		Str("function_arn", update.FunctionARN).
		Msg("Function image updated")

	return update, nil
}
