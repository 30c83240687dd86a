// Package command parses slash commands and dispatches them to registered
// handlers, applying per-command model/character defaults.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyInput is returned for blank command strings.
var ErrEmptyInput = errors.New("empty command")

// UnknownCommandError reports an unregistered command name.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("Unknown command: /%s", e.Name)
}

// Parsed is the result of parsing one command line. Flags given bare
// ("--classify") have the value "true".
type Parsed struct {
	Name  string
	Args  []string
	Flags map[string]string
}

// Flag returns a flag value and whether it was present.
func (p Parsed) Flag(name string) (string, bool) {
	v, ok := p.Flags[name]
	return v, ok
}

// Bool reports whether a flag is present and not explicitly "false".
func (p Parsed) Bool(name string) bool {
	v, ok := p.Flags[name]
	return ok && v != "false"
}

// Parse splits a command line of the form
//
//	/name arg1 "quoted arg" --flag=value --bool
//
// into its name, positional arguments, and flags. The leading slash is
// optional.
func Parse(input string) (Parsed, error) {
	tokens := tokenize(input)
	if len(tokens) == 0 {
		return Parsed{}, ErrEmptyInput
	}

	name := strings.TrimPrefix(tokens[0], "/")
	if name == "" {
		return Parsed{}, ErrEmptyInput
	}

	out := Parsed{Name: strings.ToLower(name), Flags: map[string]string{}}
	for _, tok := range tokens[1:] {
		if strings.HasPrefix(tok, "--") {
			key, value, hasValue := strings.Cut(tok[2:], "=")
			if key == "" {
				continue
			}
			if !hasValue {
				value = "true"
			}
			out.Flags[key] = value
			continue
		}
		out.Args = append(out.Args, tok)
	}
	return out, nil
}

// tokenize splits on whitespace, keeping double-quoted spans intact.
func tokenize(input string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range input {
		switch {
		case r == '"':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}
