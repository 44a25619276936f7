package envelopes

import "encoding/json"

// Error kinds returned by the runtime and routed by the sidecar. The set is
// closed: the sidecar decides requeue-vs-terminalize purely from the kind.
const (
	KindMsgParsing = "msg_parsing_error"
	KindProcessing = "processing_error"
	KindConnection = "connection_error"
	KindTimeout    = "timeout_error"
	KindOOM        = "oom_error"
	KindCUDAOOM    = "cuda_oom_error"
)

// Route represents the routing information for a message.
// Steps are the immutable identity of the pipeline; handlers may append
// steps but only the router advances Current.
type Route struct {
	Steps    []string               `json:"steps"`
	Current  int                    `json:"current"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Envelope represents the full envelope structure with routing metadata.
//
// JobID is injected by the gateway when a job is submitted and stays stable
// across the whole pipeline, including every fan-out sibling. The runtime
// strips it from handler outputs, so the router re-attaches the inbound
// JobID when building outbound envelopes. Terminal handlers require it.
type Envelope struct {
	JobID   string          `json:"job_id,omitempty"`
	Route   Route           `json:"route"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorDetails carries the human-readable failure description produced by
// the runtime. Preserved verbatim through to the error terminal.
type ErrorDetails struct {
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// ErrorEnvelope is the wrapper the router publishes to the error-end queue.
// OriginalMessage holds the raw JSON of the inbound envelope so the error
// terminal can recover job_id and route.
type ErrorEnvelope struct {
	Error           string        `json:"error"`
	Details         *ErrorDetails `json:"details,omitempty"`
	OriginalMessage string        `json:"original_message,omitempty"`
}

// responseProbe is used to discriminate error elements inside a runtime
// response array without fully decoding them.
type responseProbe struct {
	Error *string `json:"error"`
}

// IsErrorElement reports whether a runtime response element carries a
// top-level "error" key. Success and error envelopes are in-band on the
// wire; the error key is the discriminator.
func IsErrorElement(raw json.RawMessage) bool {
	var probe responseProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Error != nil
}

// GetCurrentStep returns the current step name from the route
func (r *Route) GetCurrentStep() string {
	if r.Current >= 0 && r.Current < len(r.Steps) {
		return r.Steps[r.Current]
	}
	return ""
}

// GetNextStep returns the next step name, or empty if at the end
func (r *Route) GetNextStep() string {
	nextIndex := r.Current + 1
	if nextIndex >= 0 && nextIndex < len(r.Steps) {
		return r.Steps[nextIndex]
	}
	return ""
}

// HasNextStep returns true if there are more steps after current
func (r *Route) HasNextStep() bool {
	return r.Current+1 < len(r.Steps)
}

// IncrementCurrent creates a new route with incremented current index
func (r *Route) IncrementCurrent() Route {
	return Route{
		Steps:    r.Steps,
		Current:  r.Current + 1,
		Metadata: r.Metadata,
	}
}
