// Package jobspec loads job-spec files: YAML documents naming the workflow
// to run, its inputs and the engine command line to run it with.
//
//	name: my-job
//	engine: [cwltool, --outdir, out]
//	workflow: wf.cwl
//	inputs: job.yml
//	args: [--debug]
package jobspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nixpig/cwljob/internal/jobmanager"
)

// Engine is the command line of the workflow engine. In YAML it is either a
// single string, split on whitespace, or a list of arguments.
type Engine []string

func (e *Engine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*e = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}

		*e = args
		return nil
	default:
		return fmt.Errorf("line %d: engine must be a string or a list of strings", node.Line)
	}
}

// Spec is a parsed job-spec file.
type Spec struct {
	Name     string   `yaml:"name"`
	Engine   Engine   `yaml:"engine"`
	Workflow string   `yaml:"workflow"`
	Inputs   string   `yaml:"inputs"`
	Args     []string `yaml:"args"`
}

// Load reads and validates the job spec at path. Relative workflow and inputs
// paths are resolved against the directory of the file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("job spec not found: %s", path)
		}

		return nil, fmt.Errorf("read job spec: %w", err)
	}

	spec, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve job spec dir: %w", err)
	}

	spec.Workflow = resolve(dir, spec.Workflow)
	spec.Inputs = resolve(dir, spec.Inputs)

	return spec, nil
}

// Parse decodes and validates a job spec. Unknown fields are rejected.
func Parse(r io.Reader) (*Spec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("job spec is empty")
		}

		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Validate checks that the job spec can produce a command line.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Workflow) == "" {
		return errors.New("workflow is required")
	}

	if s.Name != "" {
		if err := jobmanager.ValidateName(s.Name); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the engine command line: the engine, the job spec's args, the
// extra args, the workflow and, if set, the inputs. defaultEngine is used when
// the job spec names no engine.
func (s *Spec) Command(defaultEngine []string, extra ...string) ([]string, error) {
	engine := []string(s.Engine)
	if len(engine) == 0 {
		engine = defaultEngine
	}

	if len(engine) == 0 {
		return nil, errors.New("no engine configured")
	}

	cmd := slices.Concat(engine, s.Args, extra, []string{s.Workflow})
	if s.Inputs != "" {
		cmd = append(cmd, s.Inputs)
	}

	return cmd, nil
}

// Request returns the invocation payload recorded with the job.
func (s *Spec) Request() jobmanager.Request {
	return jobmanager.Request{
		Workflow: s.Workflow,
		Inputs:   s.Inputs,
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// JobName returns the job spec's name or, if it has none, one derived from the
// workflow file name and a random suffix.
func (s *Spec) JobName() string {
	if s.Name != "" {
		return s.Name
	}

	base := filepath.Base(s.Workflow)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Trim(unsafeNameChars.ReplaceAllString(base, "-"), "-._")

	if base == "" {
		base = "job"
	}

	return base + "-" + uuid.NewString()[:8]
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}

	return filepath.Join(dir, p)
}
