package webhook

import "github.com/mattjoyce/stagerd/internal/queue"

// Enqueuer is the part of the queue store the intake writes to.
type Enqueuer interface {
	CondInsert(url, treeName string) (queue.Entry, bool)
}

// Waker is poked after a push created work.
type Waker interface {
	Wake()
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single intake path.
type EndpointConfig struct {
	Path string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader carries the signature, "sha256=<hex>" or bare hex.
	SignatureHeader string

	MaxBodySize int64

	// Tree is used when the request names none.
	Tree string
}

// StageRequest is the JSON body of a push.
type StageRequest struct {
	URLs []string `json:"urls"`
	URL  string   `json:"url,omitempty"`
	Tree string   `json:"tree,omitempty"`
}

// TriggerResponse is the JSON response for an accepted push.
type TriggerResponse struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize = 1048576 // 1 MB

	// maxURLsPerPush bounds a single request.
	maxURLsPerPush = 10000
)
