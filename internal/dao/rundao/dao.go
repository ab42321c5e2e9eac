// Package rundao records pipeline runs in DynamoDB.
//
// Runs are stored under pk={pipeline}/{branch} with a KSUID sort key, so a
// partition lists the runs of one branch oldest first. Every status change
// also writes a "latest" magic record under pk=latest/{pipeline} whose sort
// key is the branch partition, which lets callers list the most recent run of
// every branch with a single query.
package rundao

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/gox/slicex"
)

const latest = "latest"

// PK represents a DynamoDB partition key in format {pipeline}/{branch}
// Example: deploy/feature/login
type PK string

// NewPK creates a new partition key from pipeline and branch
func NewPK(pipeline, branch string) PK {
	return PK(fmt.Sprintf("%s/%s", pipeline, branch))
}

// ParsePK splits a partition key on its first slash; branches may contain
// slashes, pipeline names may not.
func ParsePK(pk PK) (pipeline, branch string, err error) {
	pipeline, branch, ok := strings.Cut(string(pk), "/")
	if !ok || pipeline == "" || branch == "" {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {pipeline}/{branch}", pk)
	}
	return pipeline, branch, nil
}

func (pk PK) String() string {
	return string(pk)
}

// ID represents a run ID in format {pipeline}/{branch}:{ksuid}
// Example: deploy/main:2HFj3kLmNoPqRsTuVwXy
type ID string

func (id ID) String() string {
	return string(id)
}

// ParseID parses a run ID into its partition key and sort key. Git refs
// cannot contain a colon so the split is unambiguous.
func ParseID(id ID) (pk PK, sk string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid run ID format: %s, expected {pipeline}/{branch}:{ksuid}", s)
	}
	return PK(parts[0]), parts[1], nil
}

func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// Terminal reports whether no further transition is expected
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Step is the stored outcome of one pipeline step
type Step struct {
	Name       string `dynamodbav:"name"`
	Status     string `dynamodbav:"status"`
	Error      string `dynamodbav:"error,omitempty"`
	DurationMS int64  `dynamodbav:"duration_ms"`
}

// Record represents a pipeline run in DynamoDB
type Record struct {
	PK         PK      `ddb:"hash" dynamodbav:"pk"`  // {pipeline}/{branch}
	SK         string  `ddb:"range" dynamodbav:"sk"` // KSUID run id
	ID         ID      `dynamodbav:"id,omitempty"`   // Only set on latest entries
	Pipeline   string  `dynamodbav:"pipeline,omitempty"`
	Branch     string  `dynamodbav:"branch,omitempty"`
	SHA        string  `dynamodbav:"sha,omitempty"`
	Repository string  `dynamodbav:"repository,omitempty"`
	Actor      string  `dynamodbav:"actor,omitempty"`
	Status     Status  `dynamodbav:"status,omitempty"`
	Steps      []Step  `dynamodbav:"steps,omitempty"`
	ReportURL  string  `dynamodbav:"report_url,omitempty"`
	ErrorMsg   *string `dynamodbav:"error_msg,omitempty"`
	CreatedAt  int64   `dynamodbav:"created_at,omitempty"`  // Unix epoch of creation
	FinishedAt *int64  `dynamodbav:"finished_at,omitempty"` // Unix epoch of completion
	UpdatedAt  int64   `dynamodbav:"updated_at,omitempty"`  // Unix epoch of last update
}

// GetID returns the full run ID in format {pipeline}/{branch}:{ksuid}
func (r *Record) GetID() ID {
	if r.ID != "" {
		return r.ID
	}
	return NewID(r.PK, r.SK)
}

// StartInput describes a run that is about to begin
type StartInput struct {
	Pipeline   string
	Branch     string
	RunID      string // KSUID, becomes the sort key
	SHA        string
	Repository string
	Actor      string
}

// FinishInput carries the outcome of a run
type FinishInput struct {
	ID        ID
	Status    Status
	Steps     []Step
	ReportURL string
	ErrorMsg  *string
}

// DAO provides data access operations for run records
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
}

func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
	}
}

// Start writes an IN_PROGRESS run and points the branch's latest record at it
func (d *DAO) Start(ctx context.Context, input StartInput) (Record, error) {
	if input.Pipeline == "" || input.Branch == "" || input.RunID == "" {
		return Record{}, fmt.Errorf("pipeline, branch and run id are required")
	}

	pk := NewPK(input.Pipeline, input.Branch)
	now := time.Now().Unix()

	record := Record{
		PK:         pk,
		SK:         input.RunID,
		Pipeline:   input.Pipeline,
		Branch:     input.Branch,
		SHA:        input.SHA,
		Repository: input.Repository,
		Actor:      input.Actor,
		Status:     StatusInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	put := d.table.Put(&record)
	latestPut := d.table.Put(latestRecord(record, now))
	if _, err := d.db.TransactWriteItemsWithContext(ctx, put, latestPut); err != nil {
		return Record{}, fmt.Errorf("failed to start run: %w", err)
	}

	return record, nil
}

// Finish moves a run to a terminal status and refreshes the latest record
func (d *DAO) Finish(ctx context.Context, input FinishInput) error {
	if !input.Status.Terminal() {
		return fmt.Errorf("status %s is not terminal", input.Status)
	}

	pk, sk, err := ParseID(input.ID)
	if err != nil {
		return err
	}
	pipeline, branch, err := ParsePK(pk)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	update := d.table.Update(pk.String()).
		Range(sk).
		Set("#Status = ?", string(input.Status)).
		Set("#UpdatedAt = ?", now).
		Set("#FinishedAt = ?", now)
	if len(input.Steps) > 0 {
		update = update.Set("#Steps = ?", input.Steps)
	}
	if input.ReportURL != "" {
		update = update.Set("#ReportURL = ?", input.ReportURL)
	}
	if input.ErrorMsg != nil {
		update = update.Set("#ErrorMsg = ?", *input.ErrorMsg)
	}

	latestPut := d.table.Put(latestRecord(Record{
		PK:       pk,
		SK:       sk,
		Pipeline: pipeline,
		Branch:   branch,
		Status:   input.Status,
	}, now))

	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, latestPut); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return nil
}

// latestRecord has pk=latest/{pipeline} and sk={pipeline}/{branch}
func latestRecord(run Record, now int64) *Record {
	return &Record{
		PK:        NewPK(latest, run.Pipeline),
		SK:        run.PK.String(),
		ID:        NewID(run.PK, run.SK),
		Pipeline:  run.Pipeline,
		Branch:    run.Branch,
		SHA:       run.SHA,
		Status:    run.Status,
		UpdatedAt: now,
	}
}

// Find retrieves a run by ID
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record

	err = d.table.Get(pk.String()).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("run record not found: %s", id)
		}
		return Record{}, fmt.Errorf("failed to find run record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("run record not found: %s", id)
	}

	return record, nil
}

func (d *DAO) Delete(ctx context.Context, id ID) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(pk.String()).
		Range(sk).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete run record: %w", err)
	}

	return nil
}

// Query returns the runs of a branch, newest first
func (d *DAO) Query(ctx context.Context, pipeline, branch string) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", NewPK(pipeline, branch).String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	// KSUIDs sort by creation time
	slices.Reverse(records)
	return records, nil
}

// QueryLatest returns the most recent run of every branch of a pipeline,
// most recently updated first.
func (d *DAO) QueryLatest(ctx context.Context, pipeline string) ([]Record, error) {
	var pointers []Record

	err := d.table.Query("#PK = ?", NewPK(latest, pipeline).String()).
		FindAllWithContext(ctx, &pointers)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}

	slices.SortFunc(pointers, func(a, b Record) int {
		return int(b.UpdatedAt - a.UpdatedAt)
	})

	callback := func(ctx context.Context, pointer Record) (*Record, error) {
		record, err := d.Find(ctx, pointer.GetID())
		if err != nil {
			// deleted runs leave their pointer behind
			return nil, nil
		}
		return &record, nil
	}
	found, err := slicex.MapConcurrent(callback).
		Concurrency(8).
		CollectErrors().
		DoValues(ctx, pointers...)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest runs: %w", err)
	}

	runs := make([]Record, 0, len(found))
	for _, record := range found {
		if record != nil {
			runs = append(runs, *record)
		}
	}
	return runs, nil
}
