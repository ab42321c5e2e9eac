package models

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/savaki/lambda-deployer/internal/errors"
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"
)

// PushEvent describes the push that triggered a pipeline run
type PushEvent struct {
	Ref        string `json:"ref"`        // Full git ref, e.g. refs/heads/main
	Branch     string `json:"branch"`     // Branch name derived from Ref
	SHA        string `json:"sha"`        // Commit identifier that was pushed
	Repository string `json:"repository"` // owner/repo
	Actor      string `json:"actor"`      // User that pushed
}

// githubPushPayload is the subset of the GitHub push webhook payload we read
type githubPushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// ParseRef returns the branch name for a ref. Bare branch names are accepted as-is.
func ParseRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", fmt.Errorf("%w: empty ref", errors.ErrInvalidRef)
	case strings.HasPrefix(ref, tagPrefix):
		return "", fmt.Errorf("%w: %s is a tag, not a branch", errors.ErrInvalidRef, ref)
	case strings.HasPrefix(ref, branchPrefix):
		branch := strings.TrimPrefix(ref, branchPrefix)
		if branch == "" {
			return "", fmt.Errorf("%w: %s", errors.ErrInvalidRef, ref)
		}
		return branch, nil
	case strings.HasPrefix(ref, "refs/"):
		return "", fmt.Errorf("%w: unsupported ref %s", errors.ErrInvalidRef, ref)
	default:
		return ref, nil
	}
}

// BranchRef returns the full ref for a branch name
func BranchRef(branch string) string {
	if strings.HasPrefix(branch, branchPrefix) {
		return branch
	}
	return branchPrefix + branch
}

// NewPushEvent builds a validated event from a ref and commit
func NewPushEvent(ref, sha string) (PushEvent, error) {
	branch, err := ParseRef(ref)
	if err != nil {
		return PushEvent{}, err
	}
	if strings.TrimSpace(sha) == "" {
		return PushEvent{}, errors.ErrCommitRequired
	}
	return PushEvent{
		Ref:    BranchRef(branch),
		Branch: branch,
		SHA:    strings.TrimSpace(sha),
	}, nil
}

// LoadPushEvent reads the event the way a CI runner exposes it: GITHUB_* variables
// first, then the webhook payload at eventPath when one is present.
func LoadPushEvent(getenv func(string) string, eventPath string) (PushEvent, error) {
	ref := getenv("GITHUB_REF")
	sha := getenv("GITHUB_SHA")
	repository := getenv("GITHUB_REPOSITORY")
	actor := getenv("GITHUB_ACTOR")

	if eventPath != "" {
		data, err := os.ReadFile(eventPath)
		switch {
		case err == nil:
			var payload githubPushPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return PushEvent{}, fmt.Errorf("failed to parse push event %s: %w", eventPath, err)
			}
			if payload.Ref != "" {
				ref = payload.Ref
			}
			if payload.After != "" {
				sha = payload.After
			}
			if payload.Repository.FullName != "" {
				repository = payload.Repository.FullName
			}
			if payload.Pusher.Name != "" {
				actor = payload.Pusher.Name
			}
		case !os.IsNotExist(err):
			return PushEvent{}, fmt.Errorf("failed to read push event %s: %w", eventPath, err)
		}
	}

	event, err := NewPushEvent(ref, sha)
	if err != nil {
		return PushEvent{}, err
	}
	event.Repository = repository
	event.Actor = actor
	return event, nil
}
