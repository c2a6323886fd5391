package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length prefix in front of every payload.
	HeaderSize = 4
	// DefaultMaxFrame bounds a payload when no limit is configured.
	DefaultMaxFrame = 32 << 20
)

// AppendFrame appends the length-prefixed form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload as a single frame with one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return malformed("refusing to write empty frame", nil)
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload))
	return err
}

// ReadFrame reads one frame. A clean close before the first header byte
// returns io.EOF; anything else that cuts a frame short is a *ProtocolError.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated frame header", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, malformed("empty frame", nil)
	}
	if uint64(size) > uint64(max) {
		return nil, malformed(fmt.Sprintf("frame of %d bytes exceeds limit %d", size, max), nil)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated frame", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}

// AppendResponseFrame encodes resp and appends it to dst as a frame.
func AppendResponseFrame(dst []byte, resp Response) ([]byte, error) {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return dst, err
	}
	return AppendFrame(dst, payload), nil
}

// Encoder writes frames to a stream. It is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) WriteRequest(req Request) error {
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return WriteFrame(e.w, payload)
}

func (e *Encoder) WriteResponse(resp Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(e.w, payload)
}

// Decoder reads frames from a stream. It is not safe for concurrent use.
type Decoder struct {
	r   io.Reader
	max int
}

func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	return &Decoder{r: r, max: maxFrame}
}

func (d *Decoder) ReadRequest() (Request, error) {
	payload, err := ReadFrame(d.r, d.max)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(payload)
}

func (d *Decoder) ReadResponse() (Response, error) {
	payload, err := ReadFrame(d.r, d.max)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(payload)
}
