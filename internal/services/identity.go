package services

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSClient is the subset of the STS API used here
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Identity describes the principal the pipeline runs as
type Identity struct {
	AccountID string
	ARN       string
}

type IdentityService struct {
	client STSClient
}

func NewIdentityService(client STSClient) *IdentityService {
	return &IdentityService{client: client}
}

// Whoami verifies the configured credentials and returns the caller identity
func (s *IdentityService) Whoami(ctx context.Context) (*Identity, error) {
	output, err := s.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	return &Identity{
		AccountID: aws.ToString(output.Account),
		ARN:       aws.ToString(output.Arn),
	}, nil
}

// AccountID returns the account the configured credentials belong to
func (s *IdentityService) AccountID(ctx context.Context) (string, error) {
	identity, err := s.Whoami(ctx)
	if err != nil {
		return "", err
	}
	if identity.AccountID == "" {
		return "", fmt.Errorf("account ID is nil")
	}
	return identity.AccountID, nil
}
