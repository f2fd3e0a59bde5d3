// Package schema defines the BeemFlow data model: flow documents, steps,
// runs, and the structured error and event vocabularies shared across the
// engine.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// IdentifierPattern is the pattern a step id must match.
var IdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Flow is a named, versioned workflow document.
type Flow struct {
	Name        string                   `yaml:"name" json:"name"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string                   `yaml:"version,omitempty" json:"version,omitempty"`
	On          Trigger                  `yaml:"on" json:"on"`
	Cron        string                   `yaml:"cron,omitempty" json:"cron,omitempty"`
	Vars        map[string]any           `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step                   `yaml:"steps" json:"steps"`
	Catch       []Step                   `yaml:"catch,omitempty" json:"catch,omitempty"`
	MCPServers  map[string]MCPServerSpec `yaml:"mcpServers,omitempty" json:"mcpServers,omitempty"`
}

// MCPServerSpec declares how to launch a named MCP server.
type MCPServerSpec struct {
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Trigger holds one or more trigger names. It unmarshals from either a
// single YAML/JSON string or a sequence of strings.
type Trigger struct {
	Names []string
}

func (t Trigger) String() string {
	if len(t.Names) == 1 {
		return t.Names[0]
	}
	return fmt.Sprintf("%v", t.Names)
}

// Has reports whether the trigger includes the given name.
func (t Trigger) Has(name string) bool {
	for _, n := range t.Names {
		if n == name {
			return true
		}
	}
	return false
}

func (t *Trigger) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		t.Names = []string{single}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return fmt.Errorf("on: expected a string or list of strings: %w", err)
	}
	t.Names = many
	return nil
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		t.Names = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("on: expected a string or list of strings: %w", err)
	}
	t.Names = many
	return nil
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	if len(t.Names) == 1 {
		return json.Marshal(t.Names[0])
	}
	return json.Marshal(t.Names)
}

// Well-known trigger names (spec.md §6).
const (
	TriggerManual = "cli.manual"
	TriggerCron   = "schedule.cron"
	TriggerHTTP   = "http.request"
	EventTopicPrefix = "event:"
)

// Shape is the tag identifying which of the five step variants a Step is.
// Steps are modeled as a tagged union rather than an inheritance hierarchy:
// exactly one shape's fields are populated and the orchestrator dispatches
// on the tag.
type Shape string

const (
	ShapeTool       Shape = "tool"
	ShapeParallel   Shape = "parallel"
	ShapeForeach    Shape = "foreach"
	ShapeAwaitEvent Shape = "await_event"
	ShapeWait       Shape = "wait"
	ShapeInvalid    Shape = ""
)

// Step is one node in a Flow. Exactly one of the shape-specific field
// groups below must be populated; Shape() reports which, and Validate()
// reports a ValidationError when more than one or none is set.
type Step struct {
	ID        string   `yaml:"id" json:"id"`
	If        string   `yaml:"if,omitempty" json:"if,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// tool shape
	Use  string         `yaml:"use,omitempty" json:"use,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	// parallel shape
	Parallel bool   `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Steps    []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// foreach shape
	Foreach string `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	As      string `yaml:"as,omitempty" json:"as,omitempty"`
	Do      []Step `yaml:"do,omitempty" json:"do,omitempty"`

	// await-event shape
	AwaitEvent *AwaitEventSpec `yaml:"await_event,omitempty" json:"await_event,omitempty"`

	// wait shape
	Wait *WaitSpec `yaml:"wait,omitempty" json:"wait,omitempty"`
}

// RetryPolicy configures step-level retry.
type RetryPolicy struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	DelaySec int `yaml:"delay_sec" json:"delay_sec"`
}

// AwaitEventSpec describes an await-event suspension point.
type AwaitEventSpec struct {
	Source  string         `yaml:"source" json:"source"`
	Match   map[string]any `yaml:"match,omitempty" json:"match,omitempty"`
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WaitSpec describes a timer suspension point. Exactly one of Seconds or
// Until should be set; Seconds takes precedence if both are.
type WaitSpec struct {
	Seconds int    `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Until   string `yaml:"until,omitempty" json:"until,omitempty"`
}

// Shape reports which of the five step variants s is, or ShapeInvalid if
// zero or more than one shape's fields are populated.
func (s *Step) Shape() Shape {
	present := 0
	var shape Shape

	if s.Use != "" || s.With != nil {
		present++
		shape = ShapeTool
	}
	if s.Parallel {
		present++
		shape = ShapeParallel
	}
	if s.Foreach != "" || s.As != "" || s.Do != nil {
		present++
		shape = ShapeForeach
	}
	if s.AwaitEvent != nil {
		present++
		shape = ShapeAwaitEvent
	}
	if s.Wait != nil {
		present++
		shape = ShapeWait
	}

	if present != 1 {
		return ShapeInvalid
	}
	return shape
}
