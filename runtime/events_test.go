package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventJSONShape(t *testing.T) {
	data, err := json.Marshal(NewMessageEvent("hello"))
	require.NoError(t, err)
	require.JSONEq(t, `{"message_event":{"message":"hello"}}`, string(data))

	data, err = json.Marshal(NewFailureEvent("miners", "boom"))
	require.NoError(t, err)
	require.JSONEq(t, `{"failure_event":{"group":"miners","error":"boom"}}`, string(data))

	data, err = json.Marshal(NewStageStartEvent("warmup", "miners"))
	require.NoError(t, err)
	require.JSONEq(t, `{"stage_start_event":{"name":"warmup","group":"miners"}}`, string(data))
}

func TestEventRoundTripAndType(t *testing.T) {
	events := []*Event{
		NewMessageEvent("m"),
		NewSuccessEvent("g"),
		NewFailureEvent("g", "e"),
		NewCrashEvent("g", "e", "st"),
		NewStageStartEvent("s", "g"),
		NewStageEndEvent("s", "g"),
	}
	types := []string{
		"message_event",
		"success_event",
		"failure_event",
		"crash_event",
		"stage_start_event",
		"stage_end_event",
	}

	for i, ev := range events {
		require.Equal(t, types[i], ev.Type())

		data, err := json.Marshal(ev)
		require.NoError(t, err)

		out := new(Event)
		require.NoError(t, json.Unmarshal(data, out))
		require.Equal(t, ev, out)
	}
}
