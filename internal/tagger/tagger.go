// Package tagger expands inline {tag:value} shorthand in chat text into
// synthesis markup fragments.
package tagger

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultMaxAliasDepth bounds alias resolution so that cyclic alias chains
// resolve to "no handler" instead of recursing forever.
const DefaultMaxAliasDepth = 16

var tagPattern = regexp.MustCompile(`\{([a-z]*):([^}]*)\}`)

// Handler turns a tag occurrence into markup. Returning false leaves the
// original shorthand untouched.
type Handler interface {
	Expand(tag, value string) (string, bool)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(tag, value string) (string, bool)

func (f HandlerFunc) Expand(tag, value string) (string, bool) {
	return f(tag, value)
}

// Expander holds tag handlers and aliases. It is safe for concurrent use.
type Expander struct {
	mu       sync.RWMutex
	tags     map[string]Handler
	aliases  map[string]string
	maxDepth int
}

type Option func(*Expander)

// WithMaxAliasDepth overrides DefaultMaxAliasDepth.
func WithMaxAliasDepth(depth int) Option {
	return func(e *Expander) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// WithoutBuiltins starts with an empty tag table.
func WithoutBuiltins() Option {
	return func(e *Expander) {
		e.tags = make(map[string]Handler)
		e.aliases = make(map[string]string)
	}
}

// New returns an Expander with the audio and break tags registered.
func New(opts ...Option) *Expander {
	e := &Expander{
		tags:     make(map[string]Handler),
		aliases:  make(map[string]string),
		maxDepth: DefaultMaxAliasDepth,
	}
	e.RegisterAliases("audio", "a", "sound", "s", "clip", "mp3")
	e.RegisterTag("audio", HandlerFunc(audioTag))
	e.RegisterAliases("break", "b", "")
	e.RegisterTag("break", HandlerFunc(breakTag))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterTag installs handler under name, replacing any previous handler.
func (e *Expander) RegisterTag(name string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags[normalize(name)] = handler
}

// RegisterAlias makes alias resolve to name at lookup time.
func (e *Expander) RegisterAlias(name, alias string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aliases[normalize(alias)] = normalize(name)
}

func (e *Expander) RegisterAliases(name string, aliases ...string) {
	for _, alias := range aliases {
		e.RegisterAlias(name, alias)
	}
}

// Lookup resolves name through aliases to a handler.
func (e *Expander) Lookup(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	name = normalize(name)
	for hops := 0; ; hops++ {
		target, ok := e.aliases[name]
		if !ok {
			break
		}
		if hops >= e.maxDepth {
			return nil, false
		}
		name = target
	}
	handler, ok := e.tags[name]
	return handler, ok
}

// Expand replaces every recognised {tag:value} occurrence in text.
func (e *Expander) Expand(text string) string {
	return tagPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := tagPattern.FindStringSubmatch(match)
		tag, value := groups[1], groups[2]
		handler, ok := e.Lookup(tag)
		if !ok {
			return match
		}
		out, ok := handler.Expand(tag, value)
		if !ok {
			return match
		}
		return out
	})
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func audioTag(_, value string) (string, bool) {
	url := strings.ReplaceAll(value, "https://", "")
	url = strings.ReplaceAll(url, "http://", "")
	return `<audio src="://` + url + `">failed to load audio</audio>`, true
}

func breakTag(_, value string) (string, bool) {
	if strings.TrimSpace(value) == "" {
		value = "200ms"
	}
	return `<break time="` + value + `" />`, true
}
