package pipeline

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/savaki/lambda-deployer/internal/models"
	"github.com/segmentio/ksuid"
)

// Context is the state of one pipeline run. Steps run sequentially so it is
// not safe for concurrent use.
type Context struct {
	Event      models.PushEvent
	RunID      string
	Workspace  string
	BaseEnv    []string // Process environment commands inherit, os.Environ by default
	Production bool     // Pushed branch is the production branch

	env     map[string]string
	outputs map[string]map[string]string
	state   runState
}

func NewContext(event models.PushEvent, workspace string) *Context {
	return &Context{
		Event:     event,
		RunID:     ksuid.New().String(),
		Workspace: workspace,
		BaseEnv:   os.Environ(),
		env:       map[string]string{},
		outputs:   map[string]map[string]string{},
	}
}

// Setenv sets a variable for every later step of the run
func (c *Context) Setenv(key, value string) {
	c.env[key] = value
}

// Getenv returns a run variable, falling back to the base environment
func (c *Context) Getenv(key string) string {
	if v, ok := c.env[key]; ok {
		return v
	}
	for _, kv := range c.BaseEnv {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// Env returns a copy of the variables set during the run
func (c *Context) Env() map[string]string {
	return maps.Clone(c.env)
}

// Environ returns the base environment overlaid with the run variables in
// KEY=value form, sorted by key.
func (c *Context) Environ() []string {
	merged := map[string]string{}
	for _, kv := range c.BaseEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	maps.Copy(merged, c.env)

	environ := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		environ = append(environ, k+"="+merged[k])
	}
	return environ
}

// Failed reports whether an earlier step of the run failed or the run was
// cancelled. Steps selected by always() use it to report the outcome.
func (c *Context) Failed() bool {
	return c.state.failed || c.state.cancelled
}

// SetOutput records a value produced by a step
func (c *Context) SetOutput(step, key, value string) {
	if c.outputs[step] == nil {
		c.outputs[step] = map[string]string{}
	}
	c.outputs[step][key] = value
}

func (c *Context) Output(step, key string) string {
	return c.outputs[step][key]
}

// Outputs returns a copy of every step output
func (c *Context) Outputs() map[string]map[string]string {
	out := make(map[string]map[string]string, len(c.outputs))
	for step, values := range c.outputs {
		out[step] = maps.Clone(values)
	}
	return out
}
