// Package client provides the HTTP client for the generation API and the
// stream URL builder used by the websocket transport.
package client

import "errors"

// StartRequest asks the pipeline to assemble a new mod list.
type StartRequest struct {
	Prompt      string   `json:"prompt"`
	GameVersion string   `json:"gameVersion,omitempty"`
	Loader      string   `json:"loader,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// StartResponse carries the identifier of the new session.
type StartResponse struct {
	SessionID string `json:"sessionId"`
}

// StatusReport is the polling view of a session.
type StatusReport struct {
	Status        string `json:"status"`
	ArtifactID    string `json:"artifactId,omitempty"`
	PausedAtPhase int    `json:"pausedAtPhase,omitempty"`
	PauseReason   string `json:"pauseReason,omitempty"`
}

// CredentialUpdate is the body of a credential update.
type CredentialUpdate struct {
	Value string `json:"value"`
}

// Ack is returned by state-changing endpoints.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

var (
	// ErrRequest wraps every non-2xx response.
	ErrRequest = errors.New("api request failed")
	// ErrNotFound is returned alongside ErrRequest for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned alongside ErrRequest for 401 and 403.
	ErrUnauthorized = errors.New("unauthorized")
)
