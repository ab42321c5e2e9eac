package pipeline

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/errors"
	"github.com/savaki/lambda-deployer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func newTestContext(branch string) *Context {
	pc := NewContext(models.PushEvent{
		Ref:    models.BranchRef(branch),
		Branch: branch,
		SHA:    "abc123",
	}, "")
	pc.BaseEnv = []string{"PATH=" + os.Getenv("PATH")}
	pc.Production = branch == "main"
	return pc
}

// recorder builds steps that record the order they ran in
type recorder struct {
	ran []string
}

func (r *recorder) ok(name string) Step {
	return Step{Name: name, Run: func(ctx context.Context, pc *Context) error {
		r.ran = append(r.ran, name)
		return nil
	}}
}

func (r *recorder) fail(name string) Step {
	return Step{Name: name, Run: func(ctx context.Context, pc *Context) error {
		r.ran = append(r.ran, name)
		return stderrors.New(name + " broke")
	}}
}

func (r *recorder) with(step Step, condition string) Step {
	step.If = condition
	return step
}

func statuses(result *Result) map[string]Status {
	m := map[string]Status{}
	for _, s := range result.Steps {
		m[s.Name] = s.Status
	}
	return m
}

func TestPipeline_Run(t *testing.T) {
	t.Run("all steps succeed", func(t *testing.T) {
		r := &recorder{}
		p := &Pipeline{Name: "test", Steps: []Step{r.ok("a"), r.ok("b"), r.ok("c")}}

		result := p.Run(testContext(), newTestContext("develop"))
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []string{"a", "b", "c"}, r.ran)
		assert.NoError(t, result.Err())
	})

	t.Run("failure skips later steps except always", func(t *testing.T) {
		r := &recorder{}
		p := &Pipeline{Name: "deploy", Steps: []Step{
			r.ok("checkout"),
			r.fail("build"),
			r.ok("update"),
			r.with(r.ok("notify"), "always()"),
		}}

		result := p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, StatusFailure, result.Status)
		assert.Equal(t, []string{"checkout", "build", "notify"}, r.ran)
		assert.Equal(t, map[string]Status{
			"checkout": StatusSuccess,
			"build":    StatusFailure,
			"update":   StatusSkipped,
			"notify":   StatusSuccess,
		}, statuses(result))

		err := result.Err()
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrStepFailed)
		assert.Contains(t, err.Error(), "build broke")
	})

	t.Run("failure condition", func(t *testing.T) {
		r := &recorder{}
		p := &Pipeline{Name: "deploy", Steps: []Step{
			r.with(r.ok("on-failure"), "failure()"),
			r.fail("build"),
			r.with(r.ok("after-failure"), "failure()"),
		}}

		result := p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, []string{"build", "after-failure"}, r.ran)
		assert.Equal(t, StatusSkipped, statuses(result)["on-failure"])
	})

	t.Run("best effort failure does not fail the run", func(t *testing.T) {
		r := &recorder{}
		notify := r.fail("notify")
		notify.BestEffort = true
		p := &Pipeline{Name: "deploy", Steps: []Step{r.ok("build"), notify, r.ok("after")}}

		result := p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, StatusFailure, statuses(result)["notify"])
		assert.Equal(t, []string{"build", "notify", "after"}, r.ran)
		assert.NoError(t, result.Err())
	})

	t.Run("conditions see branch and production", func(t *testing.T) {
		tests := []struct {
			branch string
			want   []string
		}{
			{branch: "main", want: []string{"build", "stack"}},
			{branch: "develop", want: []string{"build", "staging-only"}},
		}

		for _, tt := range tests {
			r := &recorder{}
			p := &Pipeline{Name: "deploy", Steps: []Step{
				r.ok("build"),
				r.with(r.ok("stack"), "production"),
				r.with(r.ok("staging-only"), `branch != "main"`),
			}}

			result := p.Run(testContext(), newTestContext(tt.branch))
			assert.Equal(t, StatusSuccess, result.Status)
			assert.Equal(t, tt.want, r.ran, tt.branch)
		}
	})

	t.Run("implicit success applies to plain conditions", func(t *testing.T) {
		r := &recorder{}
		p := &Pipeline{Name: "deploy", Steps: []Step{
			r.fail("build"),
			r.with(r.ok("stack"), "production"),
		}}

		result := p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, StatusSkipped, statuses(result)["stack"])
	})

	t.Run("env is visible to conditions", func(t *testing.T) {
		r := &recorder{}
		p := &Pipeline{Name: "deploy", Steps: []Step{
			{Name: "set", Run: func(ctx context.Context, pc *Context) error {
				pc.Setenv("ECR_REPOSITORY", "app-prd")
				return nil
			}},
			r.with(r.ok("uses-env"), `env.ECR_REPOSITORY == "app-prd"`),
		}}

		p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, []string{"uses-env"}, r.ran)
	})

	t.Run("invalid condition fails the step", func(t *testing.T) {
		r := &recorder{}
		p := &Pipeline{Name: "deploy", Steps: []Step{r.with(r.ok("bad"), "nope(")}}

		result := p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, StatusFailure, result.Status)
		assert.Empty(t, r.ran)
	})

	t.Run("panics become failures", func(t *testing.T) {
		p := &Pipeline{Name: "deploy", Steps: []Step{{Name: "boom", Run: func(ctx context.Context, pc *Context) error {
			panic("unexpected")
		}}}}

		result := p.Run(testContext(), newTestContext("main"))
		assert.Equal(t, StatusFailure, result.Status)
		assert.Contains(t, result.Steps[0].Error, "unexpected")
	})
}

func TestPipeline_RunTimeout(t *testing.T) {
	r := &recorder{}
	p := &Pipeline{Name: "test", Steps: []Step{
		{
			Name:    "slow",
			Timeout: 10 * time.Millisecond,
			Run: func(ctx context.Context, pc *Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
		r.ok("next"),
		r.with(r.ok("cleanup"), "always()"),
	}}

	result := p.Run(testContext(), newTestContext("develop"))
	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, StatusFailure, statuses(result)["slow"])
	assert.Contains(t, result.Steps[0].Error, context.DeadlineExceeded.Error())
	assert.Equal(t, []string{"cleanup"}, r.ran)
}

func TestPipeline_RunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext())

	r := &recorder{}
	var notifyCtxErr error
	p := &Pipeline{Name: "deploy", Steps: []Step{
		{Name: "build", Run: func(ctx context.Context, pc *Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}},
		r.ok("update"),
		{Name: "notify", If: "always()", Run: func(ctx context.Context, pc *Context) error {
			notifyCtxErr = ctx.Err()
			r.ran = append(r.ran, "notify")
			return nil
		}},
		r.with(r.ok("on-cancel"), "cancelled()"),
	}}

	result := p.Run(ctx, newTestContext("main"))
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, map[string]Status{
		"build":     StatusCancelled,
		"update":    StatusSkipped,
		"notify":    StatusSuccess,
		"on-cancel": StatusSuccess,
	}, statuses(result))
	assert.Equal(t, []string{"notify", "on-cancel"}, r.ran)
	assert.NoError(t, notifyCtxErr, "always() steps get a live context after cancellation")
	assert.ErrorIs(t, result.Err(), errors.ErrStepFailed)
}

func TestPipeline_Skipped(t *testing.T) {
	r := &recorder{}
	p := &Pipeline{Name: "test", Steps: []Step{r.ok("a"), r.ok("b")}}

	result := p.Skipped(newTestContext("main"))
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Len(t, result.Steps, 2)
	assert.Empty(t, r.ran)
	assert.NoError(t, result.Err())
}

func TestPipeline_Plan(t *testing.T) {
	r := &recorder{}
	p := &Pipeline{Name: "deploy", Steps: []Step{
		r.ok("build"),
		r.with(r.ok("stack"), "production"),
		r.with(r.ok("notify"), "always()"),
		r.with(r.ok("rollback"), "failure()"),
	}}

	tests := []struct {
		branch string
		want   []bool
	}{
		{branch: "main", want: []bool{true, true, true, false}},
		{branch: "feature/x", want: []bool{true, false, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			planned, err := p.Plan(newTestContext(tt.branch))
			require.NoError(t, err)
			require.Len(t, planned, len(tt.want))
			for i, step := range planned {
				assert.Equal(t, tt.want[i], step.Runs, step.Name)
			}
		})
	}
	assert.Empty(t, r.ran)
}

func TestContext_Failed(t *testing.T) {
	var seen []bool
	observe := func(name string) Step {
		return Step{Name: name, If: "always()", Run: func(ctx context.Context, pc *Context) error {
			seen = append(seen, pc.Failed())
			return nil
		}}
	}
	broken := Step{Name: "broken", Run: func(ctx context.Context, pc *Context) error {
		return stderrors.New("boom")
	}}

	p := &Pipeline{Name: "p", Steps: []Step{observe("first"), broken, observe("last")}}
	pc := newTestContext("main")
	result := p.Run(testContext(), pc)

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, []bool{false, true}, seen)
	assert.True(t, pc.Failed())
}

func TestPipeline_Validate(t *testing.T) {
	noop := func(ctx context.Context, pc *Context) error { return nil }

	tests := []struct {
		name    string
		steps   []Step
		wantErr string
	}{
		{name: "valid", steps: []Step{{Name: "a", Run: noop}, {Name: "b", If: "always()", Run: noop}}},
		{name: "missing name", steps: []Step{{Run: noop}}, wantErr: "name is required"},
		{name: "duplicate", steps: []Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}}, wantErr: "duplicate"},
		{name: "no run", steps: []Step{{Name: "a"}}, wantErr: "nothing to run"},
		{name: "bad condition", steps: []Step{{Name: "a", If: "branch ==", Run: noop}}, wantErr: "invalid condition"},
		{name: "not boolean", steps: []Step{{Name: "a", If: "branch", Run: noop}}, wantErr: "invalid condition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Pipeline{Name: "p", Steps: tt.steps}).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalizeCondition(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "success()"},
		{in: "  ", want: "success()"},
		{in: "always()", want: "always()"},
		{in: "failure() || production", want: "failure() || production"},
		{in: "production", want: "success() && (production)"},
		{in: `branch == "main"`, want: `success() && (branch == "main")`},
		{in: `env.failure_count == "0"`, want: `success() && (env.failure_count == "0")`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeCondition(tt.in))
		})
	}
}

func TestContext(t *testing.T) {
	pc := newTestContext("develop")
	pc.BaseEnv = []string{"HOME=/root", "ENV=base", "BROKEN"}
	pc.Setenv("ENV", "dev")
	pc.Setenv("IMAGE_TAG", "abc123")

	assert.Equal(t, "dev", pc.Getenv("ENV"))
	assert.Equal(t, "/root", pc.Getenv("HOME"))
	assert.Equal(t, "", pc.Getenv("MISSING"))
	assert.Equal(t, []string{"ENV=dev", "HOME=/root", "IMAGE_TAG=abc123"}, pc.Environ())
	assert.Equal(t, map[string]string{"ENV": "dev", "IMAGE_TAG": "abc123"}, pc.Env())

	pc.SetOutput("build-and-push", "digest", "sha256:def")
	assert.Equal(t, "sha256:def", pc.Output("build-and-push", "digest"))
	assert.Equal(t, "", pc.Output("missing", "digest"))
	assert.Equal(t, map[string]map[string]string{"build-and-push": {"digest": "sha256:def"}}, pc.Outputs())

	assert.NotEmpty(t, pc.RunID)
	assert.NotEqual(t, pc.RunID, newTestContext("develop").RunID)
}

func TestExec(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	pc := newTestContext("develop")
	pc.Workspace = t.TempDir()
	pc.Setenv("GREETING", "hello")

	err := Exec(ctx, pc, `echo "$GREETING from $(pwd)"; echo oops >&2`)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"stream":"stdout"`)
	assert.Contains(t, out, "hello from "+pc.Workspace)
	assert.Contains(t, out, `"stream":"stderr"`)
	assert.Contains(t, out, "oops")
}

func TestExec_Failure(t *testing.T) {
	pc := newTestContext("develop")
	pc.Workspace = t.TempDir()

	err := Exec(testContext(), pc, "exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with status 3")

	err = ExecArgs(testContext(), pc, "definitely-not-a-command-lambda-deployer")
	assert.Error(t, err)
}

func TestExec_Timeout(t *testing.T) {
	pc := newTestContext("develop")
	pc.Workspace = t.TempDir()

	ctx, cancel := context.WithTimeout(testContext(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	err := Exec(ctx, pc, "sleep 10")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 8*time.Second)
}

func TestOutput(t *testing.T) {
	pc := newTestContext("develop")
	pc.Workspace = t.TempDir()

	got, err := Output(testContext(), pc, "sh", "-c", "echo '  Python 3.12.4  '")
	require.NoError(t, err)
	assert.Equal(t, "Python 3.12.4", got)

	_, err = Output(testContext(), pc, "sh", "-c", "echo not found >&2; exit 1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

// initRepo creates a git repository with two commits and returns their SHAs
func initRepo(t *testing.T) (dir, first, second string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir = t.TempDir()
	pc := newTestContext("develop")
	pc.Workspace = dir
	pc.BaseEnv = append(pc.BaseEnv,
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		"HOME="+dir,
	)

	run := func(args ...string) string {
		out, err := Output(testContext(), pc, "git", args...)
		require.NoError(t, err, strings.Join(args, " "))
		return out
	}

	run("init", "--quiet")
	run("commit", "--quiet", "--allow-empty", "-m", "first")
	first = run("rev-parse", "HEAD")
	run("commit", "--quiet", "--allow-empty", "-m", "second")
	second = run("rev-parse", "HEAD")
	return dir, first, second
}

func TestCheckout(t *testing.T) {
	dir, first, second := initRepo(t)

	t.Run("already at commit", func(t *testing.T) {
		pc := newTestContext("develop")
		pc.Workspace = dir
		pc.Event.SHA = second

		require.NoError(t, Checkout(testContext(), pc))
		assert.Equal(t, second, pc.Output("checkout", "previous_head"))
	})

	t.Run("moves to pushed commit", func(t *testing.T) {
		pc := newTestContext("develop")
		pc.Workspace = dir
		pc.Event.SHA = first

		require.NoError(t, Checkout(testContext(), pc))

		head, err := Output(testContext(), pc, "git", "rev-parse", "HEAD")
		require.NoError(t, err)
		assert.Equal(t, first, head)
	})

	t.Run("not a work tree", func(t *testing.T) {
		pc := newTestContext("develop")
		pc.Workspace = t.TempDir()
		pc.BaseEnv = append(pc.BaseEnv, "GIT_CEILING_DIRECTORIES="+pc.Workspace)

		assert.Error(t, Checkout(testContext(), pc))
	})

	t.Run("commit required", func(t *testing.T) {
		pc := newTestContext("develop")
		pc.Workspace = dir
		pc.Event.SHA = ""

		assert.ErrorIs(t, Checkout(testContext(), pc), errors.ErrCommitRequired)
	})
}
