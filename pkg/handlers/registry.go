// Package handlers holds the process-wide registry of user functions the
// runtime can serve. Go has no runtime module loading, so handlers are
// compiled in and self-register under a dotted name (usually from an init
// function, the database/sql driver idiom); ANZU_HANDLER selects one at
// startup.
package handlers

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ArgType selects the calling convention a handler was registered with.
type ArgType string

const (
	// ArgTypePayload handlers receive the envelope payload only; the
	// runtime reattaches the unchanged input route to every output.
	ArgTypePayload ArgType = "payload"
	// ArgTypeMessage handlers receive the whole decoded envelope and may
	// extend the route, subject to the route invariant.
	ArgTypeMessage ArgType = "message"
)

// ParseArgType parses an ANZU_HANDLER_ARG_TYPE value (case-insensitive).
func ParseArgType(s string) (ArgType, error) {
	switch ArgType(strings.ToLower(s)) {
	case ArgTypePayload, "":
		return ArgTypePayload, nil
	case ArgTypeMessage:
		return ArgTypeMessage, nil
	}
	return "", fmt.Errorf("invalid handler arg type %q: not in (payload, message)", s)
}

// PayloadFunc is the payload calling convention. The returned value is
// normalized: nil means no outputs, a slice fans out, anything else is a
// single output.
type PayloadFunc func(ctx context.Context, payload any) (any, error)

// MessageFunc is the message calling convention. Outputs are full envelopes
// decoded as generic JSON.
type MessageFunc func(ctx context.Context, msg map[string]any) (any, error)

// Handler is a registered function together with its convention.
type Handler struct {
	Name    string
	ArgType ArgType
	Payload PayloadFunc
	Message MessageFunc
}

// namePattern rejects anything that is not a dotted identifier path. This
// prevents path traversal and injection through ANZU_HANDLER (e.g.
// "../etc/passwd", "os;rm -rf /").
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)+$`)

// ValidName reports whether name is an acceptable dotted handler name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Handler)
)

// RegisterPayload registers fn under the given dotted name. It panics on an
// invalid or duplicate name; registration happens at init time and a broken
// registration must not survive to serving.
func RegisterPayload(name string, fn PayloadFunc) {
	register(Handler{Name: name, ArgType: ArgTypePayload, Payload: fn})
}

// RegisterMessage registers fn under the given dotted name as a message-mode
// handler.
func RegisterMessage(name string, fn MessageFunc) {
	register(Handler{Name: name, ArgType: ArgTypeMessage, Message: fn})
}

func register(h Handler) {
	if !ValidName(h.Name) {
		panic(fmt.Sprintf("handlers: invalid handler name %q", h.Name))
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[h.Name]; dup {
		panic(fmt.Sprintf("handlers: handler %q registered twice", h.Name))
	}
	registry[h.Name] = h
}

// Resolve returns the handler registered under name, checking that it was
// registered with the requested calling convention. Both failure modes are
// fatal startup errors for the runtime.
func Resolve(name string, argType ArgType) (Handler, error) {
	if name == "" {
		return Handler{}, fmt.Errorf("handler name not set")
	}
	if !ValidName(name) {
		return Handler{}, fmt.Errorf("invalid handler name %q: expected 'module.path.function_name' (letters, numbers, underscores, and dots only)", name)
	}
	mu.RLock()
	h, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return Handler{}, fmt.Errorf("handler %q is not registered (known handlers: %s)", name, strings.Join(Names(), ", "))
	}
	if h.ArgType != argType {
		return Handler{}, fmt.Errorf("handler %q was registered with arg type %q, configured %q", name, h.ArgType, argType)
	}
	return h, nil
}

// Names returns the sorted list of registered handler names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeOutputs applies the return-value contract shared by both calling
// conventions: nil means zero outputs, a slice or array fans out in order,
// anything else is one output. Byte slices count as one opaque value, not a
// fan-out of bytes.
func NormalizeOutputs(v any) []any {
	if v == nil {
		return []any{}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return []any{v}
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
