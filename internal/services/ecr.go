package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/smithy-go"
	deployerrors "github.com/savaki/lambda-deployer/internal/errors"
)

// ECRClient is the subset of the ECR API used here
type ECRClient interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	SetRepositoryPolicy(ctx context.Context, params *ecr.SetRepositoryPolicyInput, optFns ...func(*ecr.Options)) (*ecr.SetRepositoryPolicyOutput, error)
}

// OrganizationsClient is the subset of the Organizations API used here
type OrganizationsClient interface {
	DescribeOrganization(ctx context.Context, params *organizations.DescribeOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error)
}

type ECRService struct {
	client    ECRClient
	orgClient OrganizationsClient
}

func NewECRService(client *ecr.Client, orgClient *organizations.Client) *ECRService {
	return NewECRServiceWithClients(client, orgClient)
}

// NewECRServiceWithClients allows fakes to be injected; orgClient may be nil.
func NewECRServiceWithClients(client ECRClient, orgClient OrganizationsClient) *ECRService {
	return &ECRService{
		client:    client,
		orgClient: orgClient,
	}
}

// RegistryCredentials are the docker login credentials for an ECR registry
type RegistryCredentials struct {
	Registry  string    // Registry host, e.g. 123456789012.dkr.ecr.us-west-1.amazonaws.com
	Username  string    // Always AWS for ECR
	Password  string    // Short-lived token
	ExpiresAt time.Time // Token expiry
}

// Login exchanges the caller's AWS credentials for registry credentials
func (s *ECRService) Login(ctx context.Context) (*RegistryCredentials, error) {
	output, err := s.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(output.AuthorizationData) == 0 {
		return nil, deployerrors.ErrNoAuthorizationData
	}

	data := output.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ECR authorization token: %w", err)
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, fmt.Errorf("malformed ECR authorization token")
	}

	creds := &RegistryCredentials{
		Registry: registryHost(aws.ToString(data.ProxyEndpoint)),
		Username: username,
		Password: password,
	}
	if data.ExpiresAt != nil {
		creds.ExpiresAt = *data.ExpiresAt
	}
	return creds, nil
}

// registryHost strips the scheme from an ECR proxy endpoint
func registryHost(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

type RepositoryInfo struct {
	Name string
	ARN  string
	URI  string
}

// CreateRepository creates an ECR repository with scan-on-push and tag immutability enabled.
// An existing repository is described and returned instead.
func (s *ECRService) CreateRepository(ctx context.Context, repositoryName string) (*RepositoryInfo, error) {
	input := &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(repositoryName),
		ImageTagMutability: types.ImageTagMutabilityImmutable,
		ImageScanningConfiguration: &types.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		Tags: []types.Tag{
			{
				Key:   aws.String("ManagedBy"),
				Value: aws.String("lambda-deployer"),
			},
		},
	}

	output, err := s.client.CreateRepository(ctx, input)
	if err != nil {
		var exists *types.RepositoryAlreadyExistsException
		if !errors.As(err, &exists) {
			return nil, fmt.Errorf("failed to create repository: %w", err)
		}

		describeOutput, describeErr := s.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{repositoryName},
		})
		if describeErr != nil {
			return nil, fmt.Errorf("repository exists but failed to describe: %w", describeErr)
		}
		if len(describeOutput.Repositories) == 0 {
			return nil, fmt.Errorf("repository exists but not found in describe")
		}
		return newRepositoryInfo(describeOutput.Repositories[0]), nil
	}

	return newRepositoryInfo(*output.Repository), nil
}

func newRepositoryInfo(repo types.Repository) *RepositoryInfo {
	return &RepositoryInfo{
		Name: aws.ToString(repo.RepositoryName),
		ARN:  aws.ToString(repo.RepositoryArn),
		URI:  aws.ToString(repo.RepositoryUri),
	}
}

// GetOrganizationID retrieves the AWS Organization ID if the account belongs to one
func (s *ECRService) GetOrganizationID(ctx context.Context) (string, error) {
	if s.orgClient == nil {
		return "", nil
	}

	output, err := s.orgClient.DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "AWSOrganizationsNotInUseException", "AccessDeniedException":
				return "", nil
			}
		}
		return "", fmt.Errorf("failed to describe organization: %w", err)
	}

	return aws.ToString(output.Organization.Id), nil
}

// SetRepositoryPolicy lets Lambda pull images and, when organizationID is set,
// grants read access to every account in the organization.
func (s *ECRService) SetRepositoryPolicy(ctx context.Context, repositoryName, organizationID string) error {
	statements := []map[string]any{
		{
			// Lambda pulls container images with its service principal
			"Sid":    "LambdaECRImageRetrieval",
			"Effect": "Allow",
			"Principal": map[string]any{
				"Service": "lambda.amazonaws.com",
			},
			"Action": []string{
				"ecr:BatchGetImage",
				"ecr:GetDownloadUrlForLayer",
			},
		},
	}
	if organizationID != "" {
		statements = append(statements, map[string]any{
			"Sid":    "OrganizationAccess",
			"Effect": "Allow",
			"Principal": map[string]any{
				"AWS": "*",
			},
			"Action": []string{
				"ecr:GetDownloadUrlForLayer",
				"ecr:BatchGetImage",
				"ecr:BatchCheckLayerAvailability",
			},
			"Condition": map[string]any{
				"StringEquals": map[string]any{
					"aws:PrincipalOrgID": organizationID,
				},
			},
		})
	}
	policy := map[string]any{
		"Version":   "2012-10-17",
		"Statement": statements,
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	_, err = s.client.SetRepositoryPolicy(ctx, &ecr.SetRepositoryPolicyInput{
		RepositoryName: aws.String(repositoryName),
		PolicyText:     aws.String(string(policyJSON)),
	})
	if err != nil {
		return fmt.Errorf("failed to set repository policy: %w", err)
	}

	return nil
}
