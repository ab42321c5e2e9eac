package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerClient is the subset of the Secrets Manager API used here
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretsManagerClient
}

func NewSecretsManagerService(client SecretsManagerClient) *SecretsManagerService {
	return &SecretsManagerService{
		client: client,
	}
}

// GetSecret retrieves a secret string. A reference of the form id#field
// selects one field of a JSON secret.
func (s *SecretsManagerService) GetSecret(ctx context.Context, ref string) (string, error) {
	secretID, field, hasField := strings.Cut(ref, "#")

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	if !hasField {
		return *result.SecretString, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(*result.SecretString), &fields); err != nil {
		return "", fmt.Errorf("failed to unmarshal secret %s: %w", secretID, err)
	}

	value, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%s field is missing in secret %s", field, secretID)
	}
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("%s field is empty in secret %s", field, secretID)
		}
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}
