package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testground/sync-client/logging"
)

func TestPublishAssignsSeqs(t *testing.T) {
	s := New(context.Background(), logging.S())
	defer s.Close()

	require.Equal(t, uint64(1), s.Publish("t", json.RawMessage(`"a"`)))
	require.Equal(t, uint64(2), s.Publish("t", json.RawMessage(`"b"`)))

	// Independent topics have independent logs.
	require.Equal(t, uint64(1), s.Publish("u", json.RawMessage(`"c"`)))
}

func TestSubscribeReplaysHistory(t *testing.T) {
	s := New(context.Background(), logging.S())
	defer s.Close()

	s.Publish("t", json.RawMessage(`1`))
	s.Publish("t", json.RawMessage(`2`))

	var got []*TopicEvent
	s.Subscribe("t", func(ev *TopicEvent) bool {
		got = append(got, ev)
		return true
	})

	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, json.RawMessage(`1`), got[0].Payload)
	require.Equal(t, uint64(2), got[1].Seq)

	// Live items follow the replay.
	s.Publish("t", json.RawMessage(`3`))
	require.Len(t, got, 3)
	require.Equal(t, uint64(3), got[2].Seq)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New(context.Background(), logging.S())
	defer s.Close()

	var a, b int
	subA := s.Subscribe("t", func(ev *TopicEvent) bool { a++; return true })
	s.Subscribe("t", func(ev *TopicEvent) bool { b++; return true })

	s.Publish("t", json.RawMessage(`1`))
	s.Unsubscribe(subA)
	s.Publish("t", json.RawMessage(`2`))

	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
}

func TestDeadSinkIsDropped(t *testing.T) {
	s := New(context.Background(), logging.S())
	defer s.Close()

	var calls int
	s.Subscribe("t", func(ev *TopicEvent) bool {
		calls++
		return false
	})

	s.Publish("t", json.RawMessage(`1`))
	s.Publish("t", json.RawMessage(`2`))

	// The sink refused the first item, so it never saw the second.
	require.Equal(t, 1, calls)
}
