package jobmanager

import "time"

// Mode names the LaunchMode a Job was submitted with.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeDaemon      Mode = "daemon"
)

// Request is the invocation payload of a Job. It is stored verbatim for audit
// and never interpreted by the supervisor.
type Request struct {
	Workflow string `json:"workflow"         yaml:"workflow"`
	Inputs   string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Record is the persistent state of a Job, written to its metadata file.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	Name        string    `json:"jobName"     yaml:"jobName"`
	Status      Status    `json:"status"      yaml:"status"`
	Created     time.Time `json:"created"     yaml:"created"`
	LastUpdated time.Time `json:"lastUpdated" yaml:"lastUpdated"`
	Path        string    `json:"path"        yaml:"path"`
	Request     Request   `json:"request"     yaml:"request"`

	RunID    string   `json:"runId,omitempty"    yaml:"runId,omitempty"`
	Command  []string `json:"command,omitempty"  yaml:"command,omitempty"`
	Mode     Mode     `json:"mode,omitempty"     yaml:"mode,omitempty"`
	PID      int      `json:"pid,omitempty"      yaml:"pid,omitempty"`
	ExitCode *int     `json:"exitCode,omitempty" yaml:"exitCode,omitempty"`
}

// IndexEntry is the projection of a Record kept in the repository index.
type IndexEntry struct {
	Name        string    `json:"jobName"     yaml:"jobName"`
	Status      Status    `json:"status"      yaml:"status"`
	Created     time.Time `json:"created"     yaml:"created"`
	LastUpdated time.Time `json:"lastUpdated" yaml:"lastUpdated"`
	Path        string    `json:"path"        yaml:"path"`
}

// Entry returns the index projection of r.
func (r *Record) Entry() IndexEntry {
	return IndexEntry{
		Name:        r.Name,
		Status:      r.Status,
		Created:     r.Created,
		LastUpdated: r.LastUpdated,
		Path:        r.Path,
	}
}

func (r *Record) clone() *Record {
	c := *r
	c.Command = append([]string(nil), r.Command...)

	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}

	return &c
}
