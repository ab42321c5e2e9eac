package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/services"
)

// RepositoryManager is the subset of services.ECRService used by setup
type RepositoryManager interface {
	GetOrganizationID(ctx context.Context) (string, error)
	CreateRepository(ctx context.Context, repositoryName string) (*services.RepositoryInfo, error)
	SetRepositoryPolicy(ctx context.Context, repositoryName, organizationID string) error
}

// ECRCreationResult contains information about created ECR repositories
type ECRCreationResult struct {
	Repositories   []*services.RepositoryInfo
	OrganizationID string
}

// createECRRepositories creates the repositories and sets their pull policy.
// A failed policy is logged; the repository is still usable for pushes.
func createECRRepositories(ctx context.Context, manager RepositoryManager, names []string) (*ECRCreationResult, error) {
	logger := zerolog.Ctx(ctx)

	if len(names) == 0 {
		return &ECRCreationResult{}, nil
	}

	logger.Info().Int("count", len(names)).Msg("Creating ECR repositories")

	orgID, err := manager.GetOrganizationID(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to check organization status (will skip org-wide permissions)")
		orgID = ""
	}
	if orgID != "" {
		logger.Info().Str("organization_id", orgID).Msg("Account is in an organization, adding org-wide read permissions")
	}

	var repositories []*services.RepositoryInfo
	for _, name := range names {
		repoInfo, err := manager.CreateRepository(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create repository %q: %w", name, err)
		}

		logger.Info().
			Str("name", repoInfo.Name).
			Str("arn", repoInfo.ARN).
			Str("uri", repoInfo.URI).
			Msg("Repository ready")

		if err := manager.SetRepositoryPolicy(ctx, name, orgID); err != nil {
			logger.Warn().Err(err).Str("name", name).Msg("Failed to set repository policy (repository still created)")
		}

		repositories = append(repositories, repoInfo)
	}

	return &ECRCreationResult{
		Repositories:   repositories,
		OrganizationID: orgID,
	}, nil
}
