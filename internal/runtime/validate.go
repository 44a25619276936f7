package runtime

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

// decodeMessage turns raw frame bytes into generic JSON. Invalid UTF-8 is
// rejected here because encoding/json silently replaces bad bytes instead
// of failing.
func decodeMessage(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("message is not valid UTF-8")
	}
	var msg any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return msg, nil
}

// validateMessage checks the envelope shape: payload present (any value),
// route an object with a string-list steps and an in-bounds integer current.
// When expectedStep is non-empty the route invariant is also enforced: a
// handler output must keep its own cursor, steps[current] == expectedStep.
//
// The returned map contains only payload and route, so validating an
// already-validated envelope returns it unchanged.
func validateMessage(msg any, expectedStep string) (map[string]any, error) {
	m, ok := msg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message must be a JSON object")
	}
	if _, ok := m["payload"]; !ok {
		return nil, fmt.Errorf("missing required field 'payload' in message")
	}
	routeVal, ok := m["route"]
	if !ok {
		return nil, fmt.Errorf("missing required field 'route' in message")
	}
	route, ok := routeVal.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field 'route' must be an object")
	}
	stepsVal, ok := route["steps"]
	if !ok {
		return nil, fmt.Errorf("missing required field 'steps' in route")
	}
	stepsList, ok := stepsVal.([]any)
	if !ok {
		return nil, fmt.Errorf("field 'route.steps' must be a list")
	}
	steps := make([]string, len(stepsList))
	for i, s := range stepsList {
		name, ok := s.(string)
		if !ok {
			return nil, fmt.Errorf("field 'route.steps' must be a list of strings")
		}
		steps[i] = name
	}
	currentVal, ok := route["current"]
	if !ok {
		return nil, fmt.Errorf("missing required field 'current' in route")
	}
	current, ok := asInt(currentVal)
	if !ok {
		return nil, fmt.Errorf("field 'route.current' must be an integer")
	}
	if current < 0 || current >= len(steps) {
		return nil, fmt.Errorf("invalid route.current=%d: out of bounds for steps of length %d", current, len(steps))
	}
	if expectedStep != "" {
		actual := steps[current]
		if actual != expectedStep {
			return nil, fmt.Errorf("Route mismatch: input route points to '%s', but output route points to '%s'. Handler cannot change its current position in the route", expectedStep, actual)
		}
	}
	return map[string]any{
		"payload": m["payload"],
		"route":   m["route"],
	}, nil
}

// currentStep reads steps[current] from a validated message.
func currentStep(msg map[string]any) string {
	route, ok := msg["route"].(map[string]any)
	if !ok {
		return ""
	}
	steps, ok := route["steps"].([]any)
	if !ok {
		return ""
	}
	current, ok := asInt(route["current"])
	if !ok || current < 0 || current >= len(steps) {
		return ""
	}
	name, _ := steps[current].(string)
	return name
}

// asInt accepts the numeric shapes encoding/json can hand back and requires
// an integral value; JSON has one number type, so 3.0 counts but 3.5 does
// not.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case int:
		return n, true
	}
	return 0, false
}
