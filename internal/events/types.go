package events

import "time"

// Stream names used by the pipeline and its supporting jobs.
const (
	StreamInbound   = "inbound"
	StreamReplies   = "replies"
	StreamErrors    = "errors"
	StreamRetention = "retention"
)

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventInput struct {
	Stream  string
	Subject string
	Body    string
	Payload map[string]any
}

type ListOptions struct {
	Limit int
	Order string // "fifo" or "lifo", default lifo
}
