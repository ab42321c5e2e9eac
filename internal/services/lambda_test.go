package services

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLambdaService_UpdateFunctionImage(t *testing.T) {
	const imageURI = "123456789012.dkr.ecr.us-west-1.amazonaws.com/app-prd:abc123"

	tests := []struct {
		name     string
		statuses []types.LastUpdateStatus
		wantErr  bool
		polls    int
	}{
		{
			name:     "already updated",
			statuses: []types.LastUpdateStatus{types.LastUpdateStatusSuccessful},
			polls:    1,
		},
		{
			name:     "waits while in progress",
			statuses: []types.LastUpdateStatus{types.LastUpdateStatusInProgress, types.LastUpdateStatusSuccessful},
			polls:    2,
		},
		{
			name:     "update failed",
			statuses: []types.LastUpdateStatus{types.LastUpdateStatusFailed},
			wantErr:  true,
			polls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var updated *lambda.UpdateFunctionCodeInput
			polls := 0
			client := &mockLambdaClient{
				updateFunctionCodeFunc: func(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
					updated = params
					return &lambda.UpdateFunctionCodeOutput{
						FunctionName: params.FunctionName,
						FunctionArn:  aws.String("arn:aws:lambda:us-west-1:123456789012:function:app-prd"),
						Version:      aws.String("$LATEST"),
					}, nil
				},
				getFunctionConfigurationFunc: func(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
					status := tt.statuses[min(polls, len(tt.statuses)-1)]
					polls++
					return &lambda.GetFunctionConfigurationOutput{
						FunctionName:     params.FunctionName,
						LastUpdateStatus: status,
					}, nil
				},
			}

			service := NewLambdaService(client).WithWaiterOptions(time.Minute, func(o *lambda.FunctionUpdatedWaiterOptions) {
				o.MinDelay = time.Millisecond
				o.MaxDelay = 5 * time.Millisecond
			})

			update, err := service.UpdateFunctionImage(testContext(), "app-prd", imageURI)
			assert.Equal(t, tt.polls, polls)
			require.NotNil(t, updated)
			assert.Equal(t, imageURI, aws.ToString(updated.ImageUri))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "app-prd", update.FunctionName)
			assert.Equal(t, imageURI, update.ImageURI)
		})
	}
}
