// Package intent maps free-text task requests onto a closed set of intents
// using an ordered list of substring rules.
//
// Classification is deterministic and total: every input, including the
// empty string, yields exactly one intent. When several rules match, the
// first rule in order wins and the result is flagged as ambiguous.
package intent

import (
	"fmt"
	"strings"
)

// Intent is the handler category chosen for a task.
type Intent string

const (
	// Unclassified is the zero value before classification has run.
	Unclassified Intent = ""

	ReadFile  Intent = "read_file"
	ListFiles Intent = "list_files"
	GetTime   Intent = "get_time"
	Chat      Intent = "chat"
)

// All returns every classifiable intent in default rule order.
func All() []Intent {
	return []Intent{ReadFile, ListFiles, GetTime, Chat}
}

// String returns the intent name, or "unclassified".
func (i Intent) String() string {
	if i == Unclassified {
		return "unclassified"
	}
	return string(i)
}

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case ReadFile, ListFiles, GetTime, Chat:
		return true
	}
	return false
}

// Parse converts a name back into an Intent.
func Parse(s string) (Intent, error) {
	i := Intent(strings.ToLower(strings.TrimSpace(s)))
	if !i.Valid() {
		return Unclassified, fmt.Errorf("unknown intent %q", s)
	}
	return i, nil
}

// Parameter keys produced by the classifier.
const (
	ParamPath      = "path"
	ParamDirectory = "directory"
	ParamPrompt    = "prompt"
)

// Rule selects Intent when any trigger occurs in the lowercased text.
type Rule struct {
	Intent   Intent   `toml:"intent" yaml:"intent"`
	Triggers []string `toml:"triggers" yaml:"triggers"`
}

// Matches reports whether any trigger is a substring of text, ignoring case.
func (r Rule) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, trig := range r.Triggers {
		if trig != "" && strings.Contains(lower, strings.ToLower(trig)) {
			return true
		}
	}
	return false
}

// DefaultRules returns the built-in rule order.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: ReadFile, Triggers: []string{"read file", "read_file"}},
		{Intent: ListFiles, Triggers: []string{"list files", "list_files"}},
		{Intent: GetTime, Triggers: []string{"time"}},
	}
}

const (
	DefaultPath      = "requirements.txt"
	DefaultDirectory = "."
)

// Classification is the result of classifying one request.
type Classification struct {
	Intent Intent
	Params map[string]string

	// Matched lists every rule intent that matched, in rule order.
	Matched []Intent
}

// Ambiguous reports whether more than one rule matched.
func (c Classification) Ambiguous() bool {
	return len(c.Matched) > 1
}

// Config configures a Classifier.
type Config struct {
	Rules       []Rule
	DefaultPath string
	Directory   string
}

// Classifier applies rules in order. It is safe for concurrent use.
type Classifier struct {
	rules       []Rule
	defaultPath string
	directory   string
}

// New creates a classifier. Zero fields fall back to the defaults.
func New(cfg Config) (*Classifier, error) {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	for i, r := range rules {
		if !r.Intent.Valid() {
			return nil, fmt.Errorf("rule %d: unknown intent %q", i, r.Intent)
		}
		if r.Intent == Chat {
			return nil, fmt.Errorf("rule %d: chat is the fallback and cannot have triggers", i)
		}
		if len(r.Triggers) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no triggers", i, r.Intent)
		}
	}
	c := &Classifier{
		rules:       append([]Rule(nil), rules...),
		defaultPath: cfg.DefaultPath,
		directory:   cfg.Directory,
	}
	if c.defaultPath == "" {
		c.defaultPath = DefaultPath
	}
	if c.directory == "" {
		c.directory = DefaultDirectory
	}
	return c, nil
}

// NewDefault returns a classifier with the built-in rules.
func NewDefault() *Classifier {
	c, _ := New(Config{})
	return c
}

// Classify maps text to an intent and its parameters.
func (c *Classifier) Classify(text string) Classification {
	var matched []Intent
	for _, r := range c.rules {
		if r.Matches(text) {
			matched = append(matched, r.Intent)
		}
	}
	if len(matched) == 0 {
		return Classification{
			Intent: Chat,
			Params: map[string]string{ParamPrompt: text},
		}
	}

	out := Classification{Intent: matched[0], Matched: matched}
	switch out.Intent {
	case ReadFile:
		out.Params = map[string]string{ParamPath: c.extractPath(text)}
	case ListFiles:
		out.Params = map[string]string{ParamDirectory: c.directory}
	default:
		out.Params = map[string]string{}
	}
	return out
}

// extractPath takes the last whitespace token when there is more than one.
func (c *Classifier) extractPath(text string) string {
	words := strings.Fields(text)
	if len(words) > 1 {
		return words[len(words)-1]
	}
	return c.defaultPath
}
