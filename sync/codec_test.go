package sync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testground/sync-client/service"
)

func TestDecodeResponseFrame(t *testing.T) {
	resp, ev, err := decodeFrame([]byte(`{"id":"7","result":42}`))
	require.NoError(t, err)
	require.Nil(t, ev)
	require.NotNil(t, resp)
	require.Equal(t, "7", resp.ID)
	require.Equal(t, json.RawMessage(`42`), resp.Result)
	require.Empty(t, resp.Error)
}

func TestDecodeErrorResponseFrame(t *testing.T) {
	resp, ev, err := decodeFrame([]byte(`{"id":"9","error":"topic unavailable"}`))
	require.NoError(t, err)
	require.Nil(t, ev)
	require.NotNil(t, resp)
	require.Equal(t, "topic unavailable", resp.Error)
}

func TestDecodeTopicEventFrame(t *testing.T) {
	resp, ev, err := decodeFrame([]byte(`{"topic":"run:r:plan:p:case:c:topics:t","seq":3,"payload":{"x":1}}`))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, ev)
	require.Equal(t, uint64(3), ev.Seq)
	require.Equal(t, json.RawMessage(`{"x":1}`), ev.Payload)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, _, err := decodeFrame([]byte(`{"id":`))
	require.Error(t, err)
}

func TestDecodeUnknownFrame(t *testing.T) {
	// Neither a response nor a topic event.
	_, _, err := decodeFrame([]byte(`{"seq":1,"payload":{}}`))
	require.Error(t, err)
}

func TestSequenceNumbersRoundTripExactly(t *testing.T) {
	// Sequence numbers must survive the full uint64 range; float64 decoding
	// would mangle values beyond 2^53.
	const seq = uint64(1)<<63 + 7

	data, err := json.Marshal(&service.TopicEvent{Topic: "t", Seq: seq, Payload: json.RawMessage(`null`)})
	require.NoError(t, err)

	_, ev, err := decodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, seq, ev.Seq)
}

func TestRequestEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(&service.Request{
		ID:             "3",
		PublishRequest: &service.PublishRequest{Topic: "k", Payload: json.RawMessage(`"v"`)},
	})
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	require.Contains(t, m, "id")
	require.Contains(t, m, "publish")
	require.NotContains(t, m, "subscribe")
	require.NotContains(t, m, "is_cancel")

	data, err = json.Marshal(&service.Request{ID: "4", IsCancel: true})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &m))
	require.Contains(t, m, "is_cancel")
}
