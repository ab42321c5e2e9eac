package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/dao/rundao"
	"github.com/savaki/lambda-deployer/internal/pipeline"
	"github.com/savaki/lambda-deployer/internal/services"
)

// RunRecorder is the subset of rundao.DAO used to keep run history
type RunRecorder interface {
	Start(ctx context.Context, input rundao.StartInput) (rundao.Record, error)
	Finish(ctx context.Context, input rundao.FinishInput) error
}

// ReportUploader stores run reports
type ReportUploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body []byte) error
}

// history records a run when a table is configured. Failures to record are
// logged and never fail the pipeline.
type history struct {
	recorder RunRecorder
	uploader ReportUploader
	bucket   string
	id       rundao.ID
}

// report is the document uploaded for every run
type report struct {
	Result  *pipeline.Result             `json:"result"`
	Outputs map[string]map[string]string `json:"outputs,omitempty"`
}

func (h *history) start(ctx context.Context, name string, pc *pipeline.Context) {
	if h.recorder == nil {
		return
	}

	record, err := h.recorder.Start(ctx, rundao.StartInput{
		Pipeline:   name,
		Branch:     pc.Event.Branch,
		RunID:      pc.RunID,
		SHA:        pc.Event.SHA,
		Repository: pc.Event.Repository,
		Actor:      pc.Event.Actor,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to record run start")
		return
	}
	h.id = record.GetID()
}

func (h *history) finish(ctx context.Context, result *pipeline.Result, pc *pipeline.Context) {
	logger := zerolog.Ctx(ctx)

	var reportURL string
	if h.uploader != nil && h.bucket != "" {
		url, err := h.upload(ctx, result, pc)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upload run report")
		} else {
			reportURL = url
			logger.Info().Str("report", url).Msg("Run report uploaded")
		}
	}

	if h.recorder == nil || h.id == "" {
		return
	}

	input := rundao.FinishInput{
		ID:        h.id,
		Status:    runStatus(result.Status),
		Steps:     runSteps(result),
		ReportURL: reportURL,
	}
	if err := result.Err(); err != nil {
		msg := err.Error()
		input.ErrorMsg = &msg
	}
	if err := h.recorder.Finish(ctx, input); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run result")
	}
}

func (h *history) upload(ctx context.Context, result *pipeline.Result, pc *pipeline.Context) (string, error) {
	body, err := json.MarshalIndent(report{Result: result, Outputs: pc.Outputs()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	key := reportKey(result)
	if err := h.uploader.Upload(ctx, h.bucket, key, "application/json", body); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", h.bucket, key), nil
}

// reportKey is runs/{pipeline}/{branch}/{run id}.json
func reportKey(result *pipeline.Result) string {
	return fmt.Sprintf("runs/%s/%s/%s.json", result.Pipeline, result.Branch, result.RunID)
}

func runStatus(status pipeline.Status) rundao.Status {
	switch status {
	case pipeline.StatusSuccess:
		return rundao.StatusSuccess
	case pipeline.StatusSkipped:
		return rundao.StatusSkipped
	default:
		return rundao.StatusFailed
	}
}

func runSteps(result *pipeline.Result) []rundao.Step {
	steps := make([]rundao.Step, 0, len(result.Steps))
	for _, s := range result.Steps {
		steps = append(steps, rundao.Step{
			Name:       s.Name,
			Status:     string(s.Status),
			Error:      s.Error,
			DurationMS: s.Duration.Milliseconds(),
		})
	}
	return steps
}

// printResult writes a one line per step summary to stdout
func printResult(result *pipeline.Result) {
	fmt.Println()
	fmt.Printf("%s %s (%s) %s\n", result.Pipeline, result.Branch, shortSHA(result.SHA), result.Status)
	for _, s := range result.Steps {
		line := fmt.Sprintf("  %-28s %-10s %s", s.Name, s.Status, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Println(line)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// newHistory wires the recorder and uploader that are configured
func newHistory(dao *rundao.DAO, store *services.ArtifactStore, bucket string) *history {
	h := &history{bucket: bucket}
	if dao != nil {
		h.recorder = dao
	}
	if store != nil {
		h.uploader = store
	}
	return h
}
