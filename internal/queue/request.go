package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidRequest = errors.New("queue: invalid request")
	ErrNoReplayer     = errors.New("queue: no replayer bound")
)

// ErrPermanent marks a replay failure that retrying cannot fix. Such a
// request is dropped on its first failure.
var ErrPermanent = errors.New("queue: permanent failure")

// Request is a pending API call waiting for connectivity.
type Request struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	Domain         string            `json:"domain,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	Retries        int               `json:"retries"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func (r Request) validate() error {
	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return ErrInvalidRequest
	}
	if strings.TrimSpace(r.URL) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Result summarises one drain pass.
type Result struct {
	// Skipped is set when another pass was already running.
	Skipped  bool `json:"skipped"`
	Replayed int  `json:"replayed"`
	Failed   int  `json:"failed"`
	Dropped  int  `json:"dropped"`
	// Interrupted is set when connectivity was lost mid-pass.
	Interrupted bool `json:"interrupted"`
}
