package service

import "encoding/json"

// PublishRequest appends an item to the ordered log of a topic.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// SubscribeRequest opens a stream of TopicEvents for a topic. The service
// replays the full log of the topic before streaming new items.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// Request represents a request from a test instance to the sync service.
// The request ID must be present and exactly one of the operation members
// must be non-nil. The ID will be used on further responses.
//
// A request with IsCancel set carries the ID of a previous subscribe
// request; it asks the service to stop streaming events for it.
type Request struct {
	ID               string            `json:"id"`
	IsCancel         bool              `json:"is_cancel,omitempty"`
	PublishRequest   *PublishRequest   `json:"publish,omitempty"`
	SubscribeRequest *SubscribeRequest `json:"subscribe,omitempty"`
}

// Response represents a response from the sync service to a test instance.
// The ID is the same as the request ID. For a publish request, Result holds
// the sequence number assigned to the new item.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TopicEvent is an unsolicited frame pushed by the service to every
// subscriber of a topic. Sequence numbers on a topic start at 1 and are
// strictly increasing.
type TopicEvent struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}
