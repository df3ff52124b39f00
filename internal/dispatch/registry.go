// Package dispatch implements the keyword dispatch registry: an ordered list of
// (pattern, handler) bindings evaluated against inbound message text.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/wikinerd/wikinerd/internal/chat"
)

// ErrSealed is returned by Register once the registry is in use by a session.
var ErrSealed = errors.New("dispatch: registry is sealed")

// Responder is the capability set a handler uses to act on a message.
type Responder interface {
	// Name returns the connected bot's user name.
	Name() string
	// Send transmits text to a channel.
	Send(ctx context.Context, text, channelID string) error
	// SetTyping signals the composing state for a channel.
	SetTyping(channelID string)
	// Go runs fn in the background under the session context.
	Go(fn func(ctx context.Context))
	// After runs fn once d has elapsed unless the session stops first.
	After(d time.Duration, fn func(ctx context.Context))
	// ActiveMembers returns the names of present, non-bot members of a
	// channel. It reports false for a channel without members (a DM).
	// Presence may lag by the adapter's cache TTL.
	ActiveMembers(ctx context.Context, ch *chat.Channel) ([]string, bool)
}

// Handler is invoked for every inbound message matching its pattern.
// ch and user may be nil when the directory has no entry for them.
type Handler interface {
	Handle(ctx context.Context, r Responder, msg *chat.Message, ch *chat.Channel, user *chat.User) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, r Responder, msg *chat.Message, ch *chat.Channel, user *chat.User) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, r Responder, msg *chat.Message, ch *chat.Channel, user *chat.User) error {
	return f(ctx, r, msg, ch, user)
}

// PatternError reports a keyword pattern that failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("dispatch: invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Entry is a single pattern binding.
type Entry struct {
	Pattern  string
	Anchored bool
	Handler  Handler

	re *regexp.Regexp
}

// Matches reports whether the entry's pattern matches text.
func (e *Entry) Matches(text string) bool {
	return e.re.MatchString(text)
}

// Registry is an ordered collection of pattern entries. Entries are never
// removed or reordered.
type Registry struct {
	mu      sync.RWMutex
	entries []*Entry
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register compiles pattern case-insensitively, anchored at the start of the
// input when anchored is true, and appends a new entry bound to h.
// Registering an equal pattern twice creates two independent entries.
func (r *Registry) Register(pattern string, h Handler, anchored bool) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for pattern %q", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}

	expr := pattern
	if anchored {
		expr = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return &PatternError{Pattern: pattern, Err: err}
	}

	r.entries = append(r.entries, &Entry{
		Pattern:  pattern,
		Anchored: anchored,
		Handler:  h,
		re:       re,
	})
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(pattern string, h Handler, anchored bool) {
	if err := r.Register(pattern, h, anchored); err != nil {
		panic(err)
	}
}

// MatchAll returns, in registration order, every handler whose pattern
// matches text.
func (r *Registry) MatchAll(text string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var handlers []Handler
	for _, e := range r.entries {
		if e.Matches(text) {
			handlers = append(handlers, e.Handler)
		}
	}
	return handlers
}

// Seal closes the registry for registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Patterns returns the registered pattern texts in registration order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, len(r.entries))
	for i, e := range r.entries {
		patterns[i] = e.Pattern
	}
	return patterns
}
