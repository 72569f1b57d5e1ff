package worker

import (
	"encoding/json"
	"fmt"
)

// EmbedTaskPayload is the inbound message schema published by the upstream
// normalization stage.
type EmbedTaskPayload struct {
	Bucket string                 `json:"bucket"`
	Key    string                 `json:"key"`
	DocID  string                 `json:"doc_id"`
	Meta   map[string]interface{} `json:"meta,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// ParseTask decodes and validates a message body. Violations are wrapped in
// ErrMalformedMessage so the caller routes the message straight to the
// dead-letter topic without spending an embedding call.
func ParseTask(body []byte) (*EmbedTaskPayload, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}

	var p EmbedTaskPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if p.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket", ErrMalformedMessage)
	}
	if p.Key == "" {
		return nil, fmt.Errorf("%w: missing key", ErrMalformedMessage)
	}
	if p.DocID == "" {
		return nil, fmt.Errorf("%w: missing doc_id", ErrMalformedMessage)
	}

	return &p, nil
}
