package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/rs/zerolog"
)

const (
	GitHubOIDCProviderURL = "token.actions.githubusercontent.com"
	GitHubOIDCAudience    = "sts.amazonaws.com"

	deployPolicyName = "lambda-deployer"
)

// IAMClient is the subset of the IAM API used here
type IAMClient interface {
	GetOpenIDConnectProvider(ctx context.Context, params *iam.GetOpenIDConnectProviderInput, optFns ...func(*iam.Options)) (*iam.GetOpenIDConnectProviderOutput, error)
	CreateOpenIDConnectProvider(ctx context.Context, params *iam.CreateOpenIDConnectProviderInput, optFns ...func(*iam.Options)) (*iam.CreateOpenIDConnectProviderOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	UpdateAssumeRolePolicy(ctx context.Context, params *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
}

type IAMService struct {
	client IAMClient
}

type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

func NewIAMService(client IAMClient) *IAMService {
	return &IAMService{client: client}
}

// DeployPolicy describes the resources a CI principal may deploy to
type DeployPolicy struct {
	AccountID    string
	Region       string
	Repositories []string
	Functions    []string
	Stacks       []string
	ReportBucket string
	RunsTable    string
}

// Principal is either an IAM role or an IAM user
type Principal struct {
	RoleName string
	UserName string
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string         `json:"Sid,omitempty"`
	Effect    string         `json:"Effect"`
	Principal map[string]any `json:"Principal,omitempty"`
	Action    []string       `json:"Action"`
	Resource  any            `json:"Resource,omitempty"`
	Condition map[string]any `json:"Condition,omitempty"`
}

// DeployPolicyDocument renders the inline policy granted by GrantDeployPermissions
func DeployPolicyDocument(p DeployPolicy) (string, error) {
	if p.AccountID == "" || p.Region == "" {
		return "", fmt.Errorf("account id and region are required")
	}

	var repositories []string
	for _, name := range p.Repositories {
		repositories = append(repositories, fmt.Sprintf("arn:aws:ecr:%s:%s:repository/%s", p.Region, p.AccountID, name))
	}
	var functions []string
	for _, name := range p.Functions {
		functions = append(functions, FunctionARN(p.Region, p.AccountID, name))
	}

	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:      "ECRLogin",
				Effect:   "Allow",
				Action:   []string{"ecr:GetAuthorizationToken"},
				Resource: "*",
			},
			{
				Sid:    "ECRPush",
				Effect: "Allow",
				Action: []string{
					"ecr:BatchCheckLayerAvailability",
					"ecr:BatchGetImage",
					"ecr:CompleteLayerUpload",
					"ecr:GetDownloadUrlForLayer",
					"ecr:InitiateLayerUpload",
					"ecr:PutImage",
					"ecr:UploadLayerPart",
				},
				Resource: repositories,
			},
			{
				Sid:    "LambdaUpdate",
				Effect: "Allow",
				Action: []string{
					"lambda:GetFunctionConfiguration",
					"lambda:UpdateFunctionCode",
				},
				Resource: functions,
			},
		},
	}

	if len(p.Stacks) > 0 {
		var stacks []string
		for _, name := range p.Stacks {
			stacks = append(stacks, fmt.Sprintf("arn:aws:cloudformation:%s:%s:stack/%s/*", p.Region, p.AccountID, name))
		}
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:    "StackDeploy",
			Effect: "Allow",
			Action: []string{
				"cloudformation:CreateStack",
				"cloudformation:DescribeStackEvents",
				"cloudformation:DescribeStacks",
				"cloudformation:UpdateStack",
			},
			Resource: stacks,
		})
	}
	if p.ReportBucket != "" {
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:      "RunReports",
			Effect:   "Allow",
			Action:   []string{"s3:PutObject"},
			Resource: fmt.Sprintf("arn:aws:s3:::%s/*", p.ReportBucket),
		})
	}
	if p.RunsTable != "" {
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:    "RunHistory",
			Effect: "Allow",
			Action: []string{
				"dynamodb:GetItem",
				"dynamodb:PutItem",
				"dynamodb:Query",
				"dynamodb:UpdateItem",
			},
			Resource: fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", p.Region, p.AccountID, p.RunsTable),
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GrantDeployPermissions attaches (or replaces) the inline deploy policy on
// the principal. PutRolePolicy and PutUserPolicy are idempotent.
func (s *IAMService) GrantDeployPermissions(ctx context.Context, principal Principal, p DeployPolicy) error {
	document, err := DeployPolicyDocument(p)
	if err != nil {
		return fmt.Errorf("failed to build deploy policy: %w", err)
	}

	switch {
	case principal.RoleName != "":
		_, err = s.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       aws.String(principal.RoleName),
			PolicyName:     aws.String(deployPolicyName),
			PolicyDocument: aws.String(document),
		})
	case principal.UserName != "":
		_, err = s.client.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
			UserName:       aws.String(principal.UserName),
			PolicyName:     aws.String(deployPolicyName),
			PolicyDocument: aws.String(document),
		})
	default:
		return fmt.Errorf("a role or user name is required")
	}
	if err != nil {
		return fmt.Errorf("failed to attach deploy policy: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("role", principal.RoleName).
		Str("user", principal.UserName).
		Strs("repositories", p.Repositories).
		Strs("functions", p.Functions).
		Msg("Granted deploy permissions")
	return nil
}

// GetOrCreateGitHubOIDCProvider ensures GitHub OIDC provider exists and returns its ARN
func (s *IAMService) GetOrCreateGitHubOIDCProvider(ctx context.Context, accountID string) (string, error) {
	providerARN := fmt.Sprintf("arn:aws:iam::%s:oidc-provider/%s", accountID, GitHubOIDCProviderURL)

	_, err := s.client.GetOpenIDConnectProvider(ctx, &iam.GetOpenIDConnectProviderInput{
		OpenIDConnectProviderArn: aws.String(providerARN),
	})
	if err == nil {
		return providerARN, nil
	}

	var noSuchEntity *types.NoSuchEntityException
	if !errors.As(err, &noSuchEntity) {
		return "", fmt.Errorf("failed to check OIDC provider: %w", err)
	}

	_, err = s.client.CreateOpenIDConnectProvider(ctx, &iam.CreateOpenIDConnectProviderInput{
		Url:            aws.String("https://" + GitHubOIDCProviderURL),
		ClientIDList:   []string{GitHubOIDCAudience},
		ThumbprintList: []string{"6938fd4d98bab03faadb97b34396831e3780aea1"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return providerARN, nil
}

// EnsureGitHubRole creates or updates a role GitHub Actions in repository
// (owner/name) can assume through OIDC and returns its ARN.
func (s *IAMService) EnsureGitHubRole(ctx context.Context, accountID, roleName, repository string) (string, error) {
	providerARN, err := s.GetOrCreateGitHubOIDCProvider(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("failed to get/create OIDC provider: %w", err)
	}

	trust, err := json.Marshal(policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect:    "Allow",
				Principal: map[string]any{"Federated": providerARN},
				Action:    []string{"sts:AssumeRoleWithWebIdentity"},
				Condition: map[string]any{
					"StringEquals": map[string]string{GitHubOIDCProviderURL + ":aud": GitHubOIDCAudience},
					"StringLike":   map[string]string{GitHubOIDCProviderURL + ":sub": "repo:" + repository + ":*"},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	getResult, err := s.client.GetRole(ctx, &iam.GetRoleInput{
		RoleName: aws.String(roleName),
	})
	roleExists := err == nil && getResult.Role != nil

	if !roleExists {
		_, err = s.client.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(roleName),
			AssumeRolePolicyDocument: aws.String(string(trust)),
			Description:              aws.String(fmt.Sprintf("GitHub Actions OIDC role for %s", repository)),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create role: %w", err)
		}
	} else {
		_, err = s.client.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(roleName),
			PolicyDocument: aws.String(string(trust)),
		})
		if err != nil {
			return "", fmt.Errorf("failed to update trust policy: %w", err)
		}
	}

	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, roleName), nil
}

// CreateDeployUser creates a non-console IAM user and an access key for CI
// platforms that only support static credentials.
func (s *IAMService) CreateDeployUser(ctx context.Context, username string) (*AWSCredentials, error) {
	_, err := s.client.CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(username),
	})
	if err != nil {
		var alreadyExists *types.EntityAlreadyExistsException
		if !errors.As(err, &alreadyExists) {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		zerolog.Ctx(ctx).Info().Str("user", username).Msg("User already exists")
	}

	result, err := s.client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(username),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create access key: %w", err)
	}
	if result.AccessKey == nil {
		return nil, fmt.Errorf("access key is nil")
	}

	return &AWSCredentials{
		AccessKeyID:     aws.ToString(result.AccessKey.AccessKeyId),
		SecretAccessKey: aws.ToString(result.AccessKey.SecretAccessKey),
	}, nil
}

// FunctionARN builds the ARN of a function in the standard partition
func FunctionARN(region, accountID, functionName string) string {
	return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", region, accountID, functionName)
}
