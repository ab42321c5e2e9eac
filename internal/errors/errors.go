package errors

import "errors"

var (
	ErrInvalidRef           = errors.New("invalid git ref")
	ErrCommitRequired       = errors.New("commit sha is required")
	ErrMissingSecret        = errors.New("missing secret")
	ErrStackNotFound        = errors.New("stack not found")
	ErrNoAuthorizationData  = errors.New("no ECR authorization data returned")
	ErrTemplateRequired     = errors.New("stack template is required")
	ErrWebhookNotConfigured = errors.New("webhook URL not configured")
	ErrStepFailed           = errors.New("pipeline step failed")
	ErrInvalidConfig        = errors.New("invalid pipeline configuration")
	ErrArtifactNotFound     = errors.New("artifact not found")
)
