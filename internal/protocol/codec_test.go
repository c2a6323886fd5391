package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		{ID: 1, Body: Synthesize{Text: "こんにちは", StyleID: 3, Rate: 1.25, WantsZeroCopy: true, Session: "s-1"}},
		{ID: 0, Body: Synthesize{}},
		{ID: 2, Body: ListModels{}},
		{ID: 3, Body: ListSpeakers{}},
		{ID: 4, Body: Status{}},
		{ID: 5, Body: Shutdown{}},
		{ID: 1 << 40, Body: CancelSession{Session: "s-1"}},
	}
	var stream bytes.Buffer
	enc := NewEncoder(&stream)
	for _, req := range requests {
		require.NoError(t, enc.WriteRequest(req))
	}

	dec := NewDecoder(&stream, 0)
	for _, want := range requests {
		got, err := dec.ReadRequest()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.ReadRequest()
	assert.ErrorIs(t, err, io.EOF)
}

func TestResponseRoundTrip(t *testing.T) {
	styles := []StyleInfo{{ID: 28, Name: "normal"}, {ID: 29, Name: "whisper"}}
	responses := []Response{
		{ID: 1, Body: Audio{Format: FormatS16LE, SampleRate: 24000, Channels: 1, Payload: Inline{Data: []byte{1, 2, 3, 4}}}},
		{ID: 2, Body: Audio{Format: FormatS16LE, SampleRate: 48000, Channels: 2, Payload: SharedHandle{Size: 1 << 20, Token: 9}}},
		{ID: 3, Body: Audio{Payload: Inline{}}},
		{ID: 4, Body: ModelList{Models: []ModelInfo{
			{ID: 7, Name: "seven", Speaker: "Seven", Styles: styles, Resident: true, Pinned: true, InUse: 2},
			{ID: 8, Name: "eight"},
		}}},
		{ID: 5, Body: SpeakerList{Speakers: []SpeakerInfo{{Name: "Seven", ModelID: 7, Styles: styles}}}},
		{ID: 6, Body: StatusReport{PID: 42, State: "listening", Version: "dev", UptimeMS: 1500, Connections: 2, InFlight: 1, Capacity: 5, Resident: []uint32{0, 7, 300}, Pinned: []uint32{0}}},
		{ID: 7, Body: Error{Kind: KindModelLoad, Message: "load model 7: boom"}},
		{ID: 8, Body: Ack{}},
		{ID: 9, Body: ModelList{}},
	}
	for _, want := range responses {
		payload, err := EncodeResponse(want)
		require.NoError(t, err)
		got, err := DecodeResponse(payload)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEncodeRejectsIncompleteMessages(t *testing.T) {
	_, err := EncodeRequest(Request{ID: 1})
	assert.Error(t, err)
	_, err = EncodeResponse(Response{ID: 1, Body: Audio{}})
	assert.Error(t, err)
	_, err = EncodeRequest(Request{ID: 1, Body: UnknownRequest{Field: 99}})
	assert.Error(t, err)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	payload, err := EncodeRequest(Request{ID: 11, Body: Synthesize{Text: "hi", StyleID: 2}})
	require.NoError(t, err)

	// a newer client adds fields both to the envelope and inside the variant
	payload = protowire.AppendTag(payload, 40, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 123)
	inner := protowire.AppendTag(nil, 1, protowire.BytesType)
	inner = protowire.AppendString(inner, "hello")
	inner = protowire.AppendTag(inner, 30, protowire.Fixed32Type)
	inner = protowire.AppendFixed32(inner, 7)
	payload = protowire.AppendTag(payload, fieldReqSynthesize, protowire.BytesType)
	payload = protowire.AppendBytes(payload, inner)

	got, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.ID)
	assert.Equal(t, Synthesize{Text: "hello"}, got.Body)
}

func TestDecodeUnknownVariant(t *testing.T) {
	payload := protowire.AppendTag(nil, fieldID, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 5)
	payload = protowire.AppendTag(payload, 20, protowire.BytesType)
	payload = protowire.AppendBytes(payload, nil)

	req, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, Request{ID: 5, Body: UnknownRequest{Field: 20}}, req)

	resp, err := DecodeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, Response{ID: 5, Body: UnknownResponse{Field: 20}}, resp)
}

func TestDecodeMalformedPayload(t *testing.T) {
	cases := map[string][]byte{
		"truncated varint": {0x08, 0x80},
		"bad bytes length": {0x12, 0x05, 0x01},
		"wrong wire type":  protowire.AppendVarint(protowire.AppendTag(nil, fieldReqSynthesize, protowire.VarintType), 1),
		"audio no payload": protowire.AppendBytes(protowire.AppendTag(nil, fieldRespAudio, protowire.BytesType), nil),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, reqErr := DecodeRequest(payload)
			_, respErr := DecodeResponse(payload)
			var perr *ProtocolError
			assert.True(t, errors.As(reqErr, &perr) || errors.As(respErr, &perr), "req=%v resp=%v", reqErr, respErr)
		})
	}
}

func TestReadFrameLimits(t *testing.T) {
	var perr *ProtocolError

	oversized := binary.BigEndian.AppendUint32(nil, 1025)
	_, err := ReadFrame(bytes.NewReader(oversized), 1024)
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "exceeds limit")

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 1024)
	require.ErrorAs(t, err, &perr)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), 1024)
	require.ErrorAs(t, err, &perr)

	_, err = ReadFrame(bytes.NewReader(append(binary.BigEndian.AppendUint32(nil, 10), 1, 2, 3)), 1024)
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader(nil), 1024)
	assert.Equal(t, io.EOF, err)
}

func TestAppendResponseFrameMatchesEncoder(t *testing.T) {
	resp := Response{ID: 3, Body: Audio{Format: FormatS16LE, SampleRate: 24000, Channels: 1, Payload: SharedHandle{Size: 10, Token: 1}}}
	frame, err := AppendResponseFrame(nil, resp)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).WriteResponse(resp))
	assert.Equal(t, buf.Bytes(), frame)
}
