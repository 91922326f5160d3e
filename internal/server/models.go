package server

import "github.com/p-blackswan/chat2site/internal/flow"

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ChatMessage is one turn of a stateless preview conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	CurrentHTML string        `json:"currentHtml"`
}

// WebMessageRequest is the body of POST /api/web/message.
type WebMessageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// WebMessageResponse is returned by POST /api/web/message.
type WebMessageResponse struct {
	Reply     string     `json:"reply"`
	Flow      flow.State `json:"flow"`
	DeployURL string     `json:"deployUrl,omitempty"`
	RepoURL   string     `json:"repoUrl,omitempty"`
	Deployed  bool       `json:"deployed"`
	Blocked   string     `json:"blocked,omitempty"`
}

// WebStatusResponse is returned by GET /api/web/status/:sessionId.
type WebStatusResponse struct {
	DeployURL        string `json:"deployUrl,omitempty"`
	Pages            int    `json:"pages"`
	Credits          int    `json:"credits"`
	SitesCreated     int    `json:"sitesCreated"`
	RemainingSites   int    `json:"remainingSites"`
	RemainingUpdates int    `json:"remainingUpdates"`
}

// DeployRequest is the body of POST /api/deploy.
type DeployRequest struct {
	HTML         string `json:"html"`
	ProjectName  string `json:"projectName"`
	ExistingRepo string `json:"existingRepo"`
}

// DeployResponse is returned by POST /api/deploy.
type DeployResponse struct {
	RepoURL   string `json:"repoUrl"`
	DeployURL string `json:"deployUrl"`
	RepoName  string `json:"repoName"`
}

// CheckoutRequest is the body of POST /api/checkout.
type CheckoutRequest struct {
	SessionID string `json:"sessionId"`
	PackageID string `json:"packageId"`
	Provider  string `json:"provider"`
}

// CheckoutResponse is returned by POST /api/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}
