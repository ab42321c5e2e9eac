package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/errors"
)

// Checkout verifies the workspace is a git work tree and moves HEAD to the
// pushed commit when it is somewhere else. The commit is fetched from origin
// when it is not available locally.
func Checkout(ctx context.Context, pc *Context) error {
	logger := zerolog.Ctx(ctx)

	sha := pc.Event.SHA
	if sha == "" {
		return errors.ErrCommitRequired
	}

	inside, err := Output(ctx, pc, "git", "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return fmt.Errorf("workspace %s is not a git work tree: %w", pc.Workspace, err)
	}
	if inside != "true" {
		return fmt.Errorf("workspace %s is not a git work tree", pc.Workspace)
	}

	head, err := Output(ctx, pc, "git", "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}
	pc.SetOutput("checkout", "previous_head", head)

	if head == sha {
		logger.Info().Str("sha", sha).Msg("Workspace already at commit")
		return nil
	}

	if _, err := Output(ctx, pc, "git", "cat-file", "-e", sha+"^{commit}"); err != nil {
		logger.Info().Str("sha", sha).Msg("Commit not available locally, fetching")
		if err := ExecArgs(ctx, pc, "git", "fetch", "--no-tags", "--depth=1", "origin", sha); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", sha, err)
		}
	}

	if err := ExecArgs(ctx, pc, "git", "checkout", "--quiet", "--detach", sha); err != nil {
		return fmt.Errorf("failed to check out %s: %w", sha, err)
	}

	logger.Info().
		Str("from", head).
		Str("sha", sha).
		Msg("Checked out commit")
	return nil
}
