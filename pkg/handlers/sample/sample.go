// Package sample registers small reference handlers used by examples and
// integration tests. Importing the package for side effects makes them
// selectable through ANZU_HANDLER.
package sample

import (
	"context"
	"fmt"

	"github.com/anzu-project/anzu/pkg/handlers"
)

func init() {
	handlers.RegisterPayload("sample.echo", Echo)
	handlers.RegisterPayload("sample.fanout", FanOut)
	handlers.RegisterPayload("sample.fail", Fail)
	handlers.RegisterMessage("sample.forward", Forward)
}

// Echo returns the payload unchanged.
func Echo(_ context.Context, payload any) (any, error) {
	return payload, nil
}

// FanOut splits a payload carrying an "items" list into one output per
// item; any other payload passes through as a single output.
func FanOut(_ context.Context, payload any) (any, error) {
	if m, ok := payload.(map[string]any); ok {
		if items, ok := m["items"].([]any); ok {
			return items, nil
		}
	}
	return payload, nil
}

// Fail always returns an error; used to exercise the error-terminal path.
func Fail(_ context.Context, payload any) (any, error) {
	return nil, fmt.Errorf("sample handler failed on purpose")
}

// Forward passes the whole envelope through unchanged, the minimal valid
// message-mode handler.
func Forward(_ context.Context, msg map[string]any) (any, error) {
	return msg, nil
}
