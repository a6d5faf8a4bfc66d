package sync

import (
	"encoding/json"
	"fmt"

	"github.com/testground/sync-client/service"
)

// inboundFrame is the union of the two inbound frame shapes. A frame with an
// id is a response to one of our requests; a frame with a topic is an
// unsolicited topic event. The pointer members let us tell "absent" from
// "empty".
type inboundFrame struct {
	ID     *string         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`

	Topic   *string         `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// decodeFrame interprets a single inbound line. Exactly one of the returned
// response and event is non-nil on success.
func decodeFrame(frame json.RawMessage) (*service.Response, *service.TopicEvent, error) {
	var f inboundFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch {
	case f.ID != nil:
		resp := &service.Response{ID: *f.ID, Result: f.Result}
		if f.Error != nil {
			resp.Error = *f.Error
		}
		return resp, nil, nil

	case f.Topic != nil:
		return nil, &service.TopicEvent{Topic: *f.Topic, Seq: f.Seq, Payload: f.Payload}, nil

	default:
		return nil, nil, fmt.Errorf("frame is neither a response nor a topic event")
	}
}
