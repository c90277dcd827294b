package command

import (
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/chambrid/jobs-api/pkg/labels"
)

// unknownCommand is shown when nothing usable could be recovered.
const unknownCommand = "unknown"

// Source is what a decoder can see of the object the command came from.
type Source struct {
	Name    string
	Labels  map[string]string
	Command []string
	Args    []string
}

func (s Source) filelog() bool { return labels.IsYes(s.Labels, labels.Filelog) }

func (s Source) version() int { return labels.ObjectVersion(s.Labels) }

func (s Source) newFormat() bool {
	v, ok := s.Labels[labels.CommandNewFormat]
	if !ok {
		return s.version() != 1
	}
	return v == "yes"
}

func (s Source) script() string {
	if len(s.Command) == 0 {
		return ""
	}
	return s.Command[len(s.Command)-1]
}

func (s Source) wrapped() bool {
	if len(s.Command) != len(Wrapper)+1 {
		return false
	}
	return equalStrings(s.Command[:len(Wrapper)], Wrapper)
}

type decoder struct {
	name    string
	matches func(Source) bool
	decode  func(Source) Command
}

// decoders are tried in order, the first match wins. New layouts go in
// front of the ones they supersede.
var decoders = []decoder{
	{
		// exec redirections joined with ';' in front of the user command
		name: "split",
		matches: func(s Source) bool {
			return s.newFormat() && (s.filelog() || s.version() == 1)
		},
		decode: decodeScript,
	},
	{
		name: "wrapped",
		matches: func(s Source) bool {
			return s.newFormat() && s.wrapped()
		},
		decode: decodeWrapped,
	},
	{
		// buildpack style, the array is the command itself
		name:    "exec",
		matches: Source.newFormat,
		decode:  decodeExec,
	},
	{
		name:    "legacy",
		matches: func(Source) bool { return true },
		decode:  decodeLegacy,
	},
}

// Decode recovers the user command from a container spec.
//
// Round trips are only exact for the layout written by Encode. Decoding
// never fails: a command that cannot be recovered is reported as "unknown".
func Decode(src Source) Command {
	var c Command
	for _, d := range decoders {
		if d.matches(src) {
			c = d.decode(src)
			break
		}
	}

	if c.UserCommand == "" {
		c.UserCommand = unknownCommand
	}
	return c
}

// Layout names the decoder that would handle src.
func Layout(src Source) string {
	for _, d := range decoders {
		if d.matches(src) {
			return d.name
		}
	}
	return ""
}

func decodeScript(s Source) Command {
	stdout, stderr, rest := peelRedirects(s.script())
	return Command{
		UserCommand:   rest,
		Filelog:       s.filelog(),
		FilelogStdout: stdout,
		FilelogStderr: stderr,
	}
}

// decodeWrapped keeps the script as written, without filelog nothing was
// put in front of the user command.
func decodeWrapped(s Source) Command {
	return Command{UserCommand: s.script()}
}

func decodeExec(s Source) Command {
	words := make([]string, 0, len(s.Command)+len(s.Args))
	words = append(words, s.Command...)
	words = append(words, s.Args...)
	return Command{
		UserCommand: shellquote.Join(words...),
		Filelog:     s.filelog(),
	}
}

func decodeLegacy(s Source) Command {
	script := s.script()
	user := script
	if i := strings.LastIndex(script, " 1>"); i >= 0 {
		user = script[:i]
	}

	c := Command{UserCommand: user, Filelog: s.filelog()}
	// custom log paths did not exist with this layout
	if c.Filelog {
		c.FilelogStdout = s.Name + ".out"
		c.FilelogStderr = s.Name + ".err"
	} else {
		c.FilelogStdout = "/dev/null"
		c.FilelogStderr = "/dev/null"
	}
	return c
}

// peelRedirects strips the leading exec redirections from a script. The
// rest is kept intact, including any ';' inside the user command.
func peelRedirects(script string) (stdout, stderr, rest string) {
	rest = script
	if after, ok := strings.CutPrefix(rest, StdoutPrefix); ok {
		if path, tail, found := strings.Cut(after, ";"); found {
			stdout, rest = path, tail
		}
	}
	if after, ok := strings.CutPrefix(rest, StderrPrefix); ok {
		if path, tail, found := strings.Cut(after, ";"); found {
			stderr, rest = path, tail
		}
	}
	return stdout, stderr, rest
}
