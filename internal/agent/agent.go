// Package agent is the closed catalog of supported agent CLI kinds. Each
// kind carries its canonical binary name, the CLI flags that put it into
// non-interactive streaming mode, and the classifier that parses its output.
// The kind is selected once at session creation; there is no string-keyed
// dispatch after that point.
package agent

import (
	"fmt"
	"strings"

	"github.com/agentdeck/agentdeck/internal/stream"
)

// Kind identifies one supported agent CLI.
type Kind string

const (
	KindClaude   Kind = "claude"
	KindCodex    Kind = "codex"
	KindGemini   Kind = "gemini"
	KindOpencode Kind = "opencode"
	KindGeneric  Kind = "generic"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindClaude, KindCodex, KindGemini, KindOpencode, KindGeneric}
}

// ParseKind validates a user-supplied agent name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindClaude, KindCodex, KindGemini, KindOpencode, KindGeneric:
		return k, nil
	default:
		return "", fmt.Errorf("unknown agent kind %q", s)
	}
}

// LaunchOptions carries per-session launch tuning supplied by the caller.
type LaunchOptions struct {
	Command string            // binary path override; empty means canonical name
	Model   string            // model override, translated per kind
	Args    []string          // extra args appended after the kind's defaults
	Env     map[string]string // extra environment variables
}

// LaunchSpec is the resolved command line for one session.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Launch builds the launch spec for this kind.
//
// This is the single source of truth for translating a kind and options into
// CLI args and environment variables. Streaming output flags are always
// appended so the output parser sees the format it expects.
func (k Kind) Launch(opts LaunchOptions) LaunchSpec {
	spec := LaunchSpec{
		Command: strings.TrimSpace(opts.Command),
		Args:    make([]string, 0, len(opts.Args)+6),
		Env:     make(map[string]string),
	}
	if spec.Command == "" {
		spec.Command = k.binary()
	}
	for key, val := range opts.Env {
		spec.Env[key] = val
	}

	model := strings.TrimSpace(opts.Model)

	switch k {
	case KindClaude:
		if model != "" {
			spec.Args = append(spec.Args, "--model", model)
		}
		// --verbose is required by the CLI when using stream-json output.
		spec.Args = append(spec.Args, "--print", "--output-format", "stream-json", "--verbose")

	case KindCodex:
		if model != "" {
			spec.Args = append(spec.Args, "--model", model)
		}
		spec.Args = append(spec.Args, "exec", "--json")

	case KindGemini:
		if model != "" {
			spec.Args = append(spec.Args, "--model", model)
		}
		spec.Args = append(spec.Args, "--output-format", "stream-json", "-y")

	case KindOpencode:
		spec.Args = append(spec.Args, "run", "--format", "json")
		if model != "" {
			spec.Args = append(spec.Args, "--model", model)
		}

	case KindGeneric:
		// No structured mode; the binary's own defaults apply.
	}

	spec.Args = append(spec.Args, opts.Args...)
	if len(spec.Env) == 0 {
		spec.Env = nil
	}
	return spec
}

// Classifier returns the output record classifier for this kind.
func (k Kind) Classifier() stream.ClassifyFunc {
	switch k {
	case KindClaude:
		return stream.ClassifyClaude
	case KindCodex:
		return stream.ClassifyCodex
	case KindGemini:
		return stream.ClassifyGemini
	case KindOpencode:
		return stream.ClassifyOpencode
	default:
		return stream.ClassifyGeneric
	}
}

func (k Kind) binary() string {
	if k == KindGeneric {
		return ""
	}
	return string(k)
}
