// Package protocol defines the messages exchanged between the icebox
// supervisor and the init child it clones into a fresh sandbox.
//
// The supervisor passes an InitSpec to the child as JSON in an environment
// variable. The child reports progress as JSON lines on an inherited pipe;
// the pipe closes when the submission is exec'd.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// StatusFD is the descriptor number of the handshake pipe in the child.
const StatusFD = 3

// MaxStatusLine bounds a single handshake message.
const MaxStatusLine = 64 * 1024

// TrustedPath is a host path exposed read-only inside the sandbox.
type TrustedPath struct {
	Path      string `json:"path" yaml:"path"`
	Recursive bool   `json:"recursive,omitempty" yaml:"recursive"`
	Optional  bool   `json:"optional,omitempty" yaml:"optional"`
}

// InterpreterHome is a toolchain directory bound read-only at Target when
// Source exists on the host.
type InterpreterHome struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// InitSpec is everything the init child needs. HostUID and HostGID are the
// supervisor's effective IDs, captured before the clone.
type InitSpec struct {
	TaskID  string `json:"task_id"`
	HostUID int    `json:"host_uid"`
	HostGID int    `json:"host_gid"`

	Root   string `json:"root"`
	InDir  string `json:"in_dir"`
	OutDir string `json:"out_dir"`

	Trusted          []TrustedPath     `json:"trusted"`
	InterpreterHomes []InterpreterHome `json:"interpreter_homes,omitempty"`
	TmpSize          int64             `json:"tmp_size"`
	TmpInodes        int               `json:"tmp_inodes"`

	WorkDir     string   `json:"work_dir"`
	Argv        []string `json:"argv"`
	Env         []string `json:"env"`
	Seccomp     bool     `json:"seccomp"`
	SeccompDeny []string `json:"seccomp_deny,omitempty"`
}

func (s *InitSpec) Validate() error {
	switch {
	case s.Root == "":
		return errors.New("init spec: root is required")
	case s.InDir == "" || s.OutDir == "":
		return errors.New("init spec: in_dir and out_dir are required")
	case len(s.Argv) == 0:
		return errors.New("init spec: argv is empty")
	}
	return nil
}

// Stage names a phase of sandbox construction.
type Stage string

const (
	StageNamespace Stage = "namespace"
	StageRootfs    Stage = "rootfs"
	StageExec      Stage = "exec"
	StageReady     Stage = "ready"
)

// Status is one handshake line.
type Status struct {
	Stage Stage  `json:"stage"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Failed reports whether the status carries an error.
func (s Status) Failed() bool {
	return s.Error != ""
}

// WriteStatus writes s as a single JSON line.
func WriteStatus(w io.Writer, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ErrNoReady is returned by ReadHandshake when the pipe closes before the
// child reported ready.
var ErrNoReady = errors.New("init exited before reporting ready")

// HandshakeError is a setup failure reported by the child.
type HandshakeError struct {
	Status Status
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("sandbox %s failed (%s): %s", e.Status.Stage, e.Status.Kind, e.Status.Error)
}

// ReadHandshake consumes the handshake until EOF. It returns the last stage
// reached; err is nil only if the child reported ready and nothing after it.
func ReadHandshake(r io.Reader) (Stage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxStatusLine)

	var last Stage
	ready := false
	for sc.Scan() {
		var st Status
		if err := json.Unmarshal(sc.Bytes(), &st); err != nil {
			return last, fmt.Errorf("decode handshake: %w", err)
		}
		if st.Stage != "" {
			last = st.Stage
		}
		if st.Failed() {
			return last, &HandshakeError{Status: st}
		}
		if st.Stage == StageReady {
			ready = true
		}
	}
	if err := sc.Err(); err != nil {
		return last, fmt.Errorf("read handshake: %w", err)
	}
	if !ready {
		return last, ErrNoReady
	}
	return last, nil
}
