package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeIDAcceptsAllForms(t *testing.T) {
	cases := map[string]string{
		`"ET001"`:         "ET001",
		`7`:               "7",
		`{"id": "ET002"}`: "ET002",
		`{"id": 12}`:      "12",
		` "padded" `:      "padded",
		`{"id":"a-b-c"}`:  "a-b-c",
	}
	for input, expected := range cases {
		id, err := DecodeID(json.RawMessage(input))
		require.NoError(t, err, input)
		require.Equal(t, expected, id, input)
	}

	_, err := DecodeID(json.RawMessage(`{"name":"x"}`))
	require.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeID(nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeTextAcceptsBareAndWrapped(t *testing.T) {
	room, err := DecodeText(json.RawMessage(`"Informatique"`), "room")
	require.NoError(t, err)
	require.Equal(t, "Informatique", room)

	token, err := DecodeText(json.RawMessage(`{"token":"abc"}`), "token")
	require.NoError(t, err)
	require.Equal(t, "abc", token)

	_, err = DecodeText(json.RawMessage(`{"other":"abc"}`), "token")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeEnvelopesSingleAndBatch(t *testing.T) {
	single, err := DecodeEnvelopes([]byte(`{"event":"ping"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	require.Equal(t, EventPing, single[0].Event)

	batch, err := DecodeEnvelopes([]byte(`[{"event":"join:room","data":"L1"},{"event":"ping"}]`))
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.JSONEq(t, `"L1"`, string(batch[0].Data))

	_, err = DecodeEnvelopes([]byte(`  `))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewEnvelopeEncodesPayload(t *testing.T) {
	env, err := NewEnvelope(EventAverageUpdated, AverageUpdated{StudentID: "ET001", Average: 12})
	require.NoError(t, err)
	require.JSONEq(t, `{"studentId":"ET001","average":12}`, string(env.Data))

	var decoded AverageUpdated
	require.NoError(t, env.Decode(&decoded))
	require.Equal(t, 12.0, decoded.Average)

	empty, err := NewEnvelope(EventPing, nil)
	require.NoError(t, err)
	encoded, err := json.Marshal(empty)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"ping"}`, string(encoded))
}
