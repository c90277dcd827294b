// Package command converts a user shell command, plus optional output
// redirection, to and from the container command array stored on the
// Kubernetes objects of a job.
//
// Several historical array layouts exist on live clusters. Decoding picks
// the layout through an ordered registry of decoders keyed on the object
// labels and the shape of the array; see decoders.
package command

import (
	"path"
	"strings"
)

const (
	StdoutPrefix = "exec 1>>"
	StderrPrefix = "exec 2>>"
)

// Wrapper is the shell invocation every current command array starts with.
var Wrapper = []string{"/bin/sh", "-c", "--"}

// Command is the user-facing view of a job command.
type Command struct {
	UserCommand string
	Filelog     bool
	// FilelogStdout and FilelogStderr are empty when no redirection is set.
	FilelogStdout string
	FilelogStderr string
}

// Generated is the pair of arrays written to the container spec.
type Generated struct {
	Command []string
	Args    []string
}

// Equal reports whether two generated commands would produce the same
// container spec. A nil and an empty Args are the same thing.
func (g Generated) Equal(other Generated) bool {
	return equalStrings(g.Command, other.Command) && equalStrings(g.Args, other.Args)
}

// Encode renders c in the current layout.
func Encode(c Command) Generated {
	var script strings.Builder
	if c.FilelogStdout != "" {
		script.WriteString(StdoutPrefix + c.FilelogStdout + ";")
	}
	if c.FilelogStderr != "" {
		script.WriteString(StderrPrefix + c.FilelogStderr + ";")
	}
	script.WriteString(c.UserCommand)

	cmd := make([]string, 0, len(Wrapper)+1)
	cmd = append(cmd, Wrapper...)
	cmd = append(cmd, script.String())
	return Generated{Command: cmd}
}

// ResolveFilelogPath returns where a log stream ends up. An empty value
// falls back to name inside home, relative values are taken relative to
// home, absolute values are kept.
func ResolveFilelogPath(value, home, name string) string {
	if value == "" {
		return path.Join(home, name)
	}
	if path.IsAbs(value) {
		return path.Clean(value)
	}
	return path.Join(home, value)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
