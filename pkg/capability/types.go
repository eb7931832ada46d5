// Package capability implements capability discovery and the responsibility
// protocol (spec §4.12): each mesh service advertises what it can do, and the
// orchestrator asks a candidate service to take ownership of a user request.
package capability

import "time"

// FunctionCapability describes one function a service exposes, along with
// the keywords that make that function relevant to a request.
type FunctionCapability struct {
	Name                   string   `json:"name"`
	ResponsibilityKeywords []string `json:"responsibility_keywords"`
}

// Capability is the payload returned by a service's GetCapabilities RPC.
type Capability struct {
	Purpose                string               `json:"purpose"`
	Functions              []FunctionCapability `json:"functions"`
	ResponsibilityDomains  []string             `json:"responsibility_domains"`
	ResponsibilityKeywords []string             `json:"responsibility_keywords"`
}

// CachedCapability pairs a discovered Capability with the service that
// advertised it and when it was fetched.
type CachedCapability struct {
	ServiceName string     `json:"service_name"`
	ServiceURL  string     `json:"service_url"`
	Capability  Capability `json:"capability"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

// TakeResponsibilityRequest asks a service to accept ownership of a request.
type TakeResponsibilityRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	Input     string `json:"input"`
	InputType string `json:"input_type"`
	Reason    string `json:"reason"`
}

// TakeResponsibilityResponse is the service's answer. Acceptance is
// authoritative for RequestID; rejection is terminal for that service.
type TakeResponsibilityResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// ReturnResponsibilityRequest hands a previously-accepted request back.
type ReturnResponsibilityRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// ReturnResponsibilityResponse acknowledges a return.
type ReturnResponsibilityResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// RejectResponsibilityRequest declines a request that was not yet accepted.
type RejectResponsibilityRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// RejectResponsibilityResponse acknowledges a rejection.
type RejectResponsibilityResponse struct {
	Acknowledged bool `json:"acknowledged"`
}
