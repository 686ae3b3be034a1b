// Package jobspec loads the job specification the monitor watches: which
// queues belong to the job's steps and which logical worker names are
// expected to service them. The loaded Spec is a read-only view; the
// monitoring core never mutates it.
package jobspec

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultWorkerName is assigned to every step not claimed by an explicit
// worker definition.
const DefaultWorkerName = "default_worker"

// Step ties one stage of the job to the queue its tasks are published on.
type Step struct {
	Name      string `json:"name" mapstructure:"name"`
	TaskQueue string `json:"task-queue" mapstructure:"task-queue"`
}

// Worker declares a logical worker and the steps it services. Steps may be
// the literal "all".
type Worker struct {
	Name  string   `json:"name" mapstructure:"name"`
	Steps []string `json:"steps" mapstructure:"steps"`
}

// Spec is the parsed job specification.
type Spec struct {
	Name        string   `json:"name" mapstructure:"name"`
	QueuePrefix string   `json:"queue-prefix" mapstructure:"queue-prefix"`
	Steps       []Step   `json:"steps" mapstructure:"steps"`
	Workers     []Worker `json:"workers" mapstructure:"workers"`
}

var requiredFields = []string{
	"name",
	"steps",
}

// Load reads a job specification from a YAML or JSON file. Environment
// variables take precedence over the file.
func Load(path string) (*Spec, error) {
	v := viper.New()

	v.SetConfigFile(path)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read job spec: %w", err)
	}

	for _, field := range requiredFields {
		if !v.IsSet(field) {
			return nil, fmt.Errorf("missing required job spec field: %s", field)
		}
	}

	var spec Spec
	if err := v.Unmarshal(&spec); err != nil {
		return nil, fmt.Errorf("could not unmarshal job spec: %w", err)
	}

	if err := spec.normalize(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// normalize fills defaults: a step without a task-queue publishes on a queue
// named after the step, and steps not claimed by any worker fall to
// DefaultWorkerName.
func (s *Spec) normalize() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("job spec %q declares no steps", s.Name)
	}

	seen := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("job spec %q has a step without a name", s.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("job spec %q declares step %q twice", s.Name, step.Name)
		}
		seen[step.Name] = true
		if step.TaskQueue == "" {
			step.TaskQueue = step.Name
		}
	}

	for _, w := range s.Workers {
		if w.Name == "" {
			return fmt.Errorf("job spec %q has a worker without a name", s.Name)
		}
		for _, stepName := range w.Steps {
			if stepName != "all" && !seen[stepName] {
				return fmt.Errorf("worker %q references unknown step %q", w.Name, stepName)
			}
		}
	}

	if s.uncoveredSteps() {
		s.Workers = append(s.Workers, Worker{Name: DefaultWorkerName, Steps: []string{"all"}})
	}
	return nil
}

func (s *Spec) uncoveredSteps() bool {
	covered := make(map[string]bool, len(s.Steps))
	for _, w := range s.Workers {
		for _, stepName := range w.Steps {
			if stepName == "all" {
				return false
			}
			covered[stepName] = true
		}
	}
	for _, step := range s.Steps {
		if !covered[step.Name] {
			return true
		}
	}
	return false
}

// QueueList resolves step names to queue names, prefixed and deduplicated in
// step order. An empty slice or the literal "all" selects every step.
func (s *Spec) QueueList(steps []string) ([]string, error) {
	all := len(steps) == 0
	wanted := make(map[string]bool, len(steps))
	for _, name := range steps {
		if name == "all" {
			all = true
			continue
		}
		wanted[name] = true
	}

	var queues []string
	seen := make(map[string]bool)
	for _, step := range s.Steps {
		if !all && !wanted[step.Name] {
			continue
		}
		delete(wanted, step.Name)
		q := s.QueuePrefix + step.TaskQueue
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}

	for name := range wanted {
		return nil, fmt.Errorf("job spec %q has no step named %q", s.Name, name)
	}
	return queues, nil
}

// WorkerNames returns the logical worker names expected to service the job,
// deduplicated in declaration order.
func (s *Spec) WorkerNames() []string {
	var names []string
	seen := make(map[string]bool, len(s.Workers))
	for _, w := range s.Workers {
		if !seen[w.Name] {
			seen[w.Name] = true
			names = append(names, w.Name)
		}
	}
	return names
}
