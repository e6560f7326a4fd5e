package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientDispatch(t *testing.T) {
	m, err := DecodeClient([]byte(`{"type":"join-request","payload":{"roomId":"R1","nickname":"Ada"}}`))
	require.NoError(t, err)
	req, ok := m.(*JoinRequest)
	require.True(t, ok)
	assert.Equal(t, "R1", req.RoomID)
	assert.Equal(t, "Ada", req.Nickname)

	m, err = DecodeClient([]byte(`{"type":"leave-request"}`))
	require.NoError(t, err)
	assert.IsType(t, &LeaveRequest{}, m)
}

func TestDecodeRejectsWrongDirection(t *testing.T) {
	_, err := DecodeClient([]byte(`{"type":"join-accepted","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeServer([]byte(`{"type":"kick-request","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeClient([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestSignalBodyIsForwardedVerbatim(t *testing.T) {
	body := json.RawMessage(`{"sdp":"v=0\r\n","type":"offer","x":[1, 2]}`)
	frame, err := Encode(Signal{From: "a", RoomID: "r1", Kind: SignalOffer, Body: body})
	require.NoError(t, err)

	m, err := DecodeServer(frame)
	require.NoError(t, err)
	sig := m.(*Signal)
	assert.Equal(t, SignalOffer, sig.Kind)
	assert.JSONEq(t, string(body), string(sig.Body))
}
