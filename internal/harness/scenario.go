package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ghcoord/internal/value"
)

// Scenario is a named sequence of coordination operations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order against one fresh database.
	Steps []Step `yaml:"steps"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op      string `yaml:"op"`
	Domain  string `yaml:"domain"`
	Channel string `yaml:"channel,omitempty"`
	Item    string `yaml:"item,omitempty"`

	// ID is the message id for append.
	ID string `yaml:"id,omitempty"`

	// Payload and Final describe the appended message. A missing payload is
	// stored as null.
	Payload Literal `yaml:"payload,omitempty"`
	Final   bool    `yaml:"final,omitempty"`

	// Fragment is merged by update.
	Fragment Literal `yaml:"fragment,omitempty"`

	// Path narrows read_dict to a dotted path inside the entry.
	Path string `yaml:"path,omitempty"`

	// Expect is the value the step must observe.
	Expect Literal `yaml:"expect,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpAppend      = "append"
	OpUpdate      = "update"
	OpCheckAndSet = "check_and_set"
	OpReadChannel = "read_channel"
	OpReadDict    = "read_dict"
)

// Expected error codes, as written in scenarios and traces.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeClosed   = "closed"
	OutcomeMissing  = "missing"
)

// Literal is a JSON-like value written inline in YAML. Set distinguishes an
// absent field from one that is present; an explicit YAML null counts as
// absent.
type Literal struct {
	Set   bool
	Value value.Value
}

// UnmarshalYAML converts the node into a value.Value.
func (l *Literal) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := value.FromAny(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	l.Set = true
	l.Value = v
	return nil
}

// IsZero lets yaml omitempty skip unset literals.
func (l Literal) IsZero() bool {
	return !l.Set
}

// Lit builds a set Literal.
func Lit(v value.Value) Literal {
	return Literal{Set: true, Value: v}
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "expect_err:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files directly inside dir, sorted.
// A filter, if given, is a glob matched against the file name without its
// extension.
func FindScenarios(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, e.Name()[:len(e.Name())-len(ext)])
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its operation.
func validateStep(index int, st *Step) error {
	if st.Op == "" {
		return fmt.Errorf("steps[%d]: op is required", index)
	}
	if st.Domain == "" {
		return fmt.Errorf("steps[%d]: domain is required", index)
	}

	switch st.ExpectError {
	case "", OutcomeConflict, OutcomeClosed:
	default:
		return fmt.Errorf("steps[%d]: unknown expect_error %q (want conflict or closed)", index, st.ExpectError)
	}
	if st.ExpectError != "" && st.Expect.Set && st.Op != OpUpdate {
		return fmt.Errorf("steps[%d]: expect and expect_error are exclusive for %s", index, st.Op)
	}

	switch st.Op {
	case OpAppend:
		if st.Channel == "" {
			return fmt.Errorf("steps[%d]: channel is required for append", index)
		}
		if st.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for append", index)
		}
		if st.Expect.Set {
			return fmt.Errorf("steps[%d]: append observes nothing, expect is not allowed", index)
		}
	case OpUpdate:
		if st.Item == "" {
			return fmt.Errorf("steps[%d]: item is required for update", index)
		}
		if !st.Fragment.Set {
			return fmt.Errorf("steps[%d]: fragment is required for update", index)
		}
	case OpCheckAndSet:
		if st.Item == "" {
			return fmt.Errorf("steps[%d]: item is required for check_and_set", index)
		}
		if st.ExpectError != "" {
			return fmt.Errorf("steps[%d]: check_and_set cannot fail with %s", index, st.ExpectError)
		}
	case OpReadChannel:
		if st.Channel == "" {
			return fmt.Errorf("steps[%d]: channel is required for read_channel", index)
		}
		if st.ExpectError != "" {
			return fmt.Errorf("steps[%d]: read_channel cannot fail with %s", index, st.ExpectError)
		}
	case OpReadDict:
		if st.Item == "" {
			return fmt.Errorf("steps[%d]: item is required for read_dict", index)
		}
		if st.ExpectError != "" {
			return fmt.Errorf("steps[%d]: read_dict cannot fail with %s", index, st.ExpectError)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}
