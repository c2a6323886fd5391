package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. New variants take new numbers; old numbers are
// never reused.
const (
	fieldID protowire.Number = 1

	fieldReqSynthesize    protowire.Number = 2
	fieldReqListModels    protowire.Number = 3
	fieldReqListSpeakers  protowire.Number = 4
	fieldReqStatus        protowire.Number = 5
	fieldReqShutdown      protowire.Number = 6
	fieldReqCancelSession protowire.Number = 7

	fieldRespAudio       protowire.Number = 2
	fieldRespModelList   protowire.Number = 3
	fieldRespSpeakerList protowire.Number = 4
	fieldRespStatus      protowire.Number = 5
	fieldRespError       protowire.Number = 6
	fieldRespAck         protowire.Number = 7
)

var (
	errNilBody    = errors.New("protocol: message has no body")
	errNilPayload = errors.New("protocol: audio has no payload")
)

// EncodeRequest serialises req into a frame payload.
func EncodeRequest(req Request) ([]byte, error) {
	b := appendVarintField(nil, fieldID, req.ID)
	switch body := req.Body.(type) {
	case Synthesize:
		var m []byte
		m = appendStringField(m, 1, body.Text)
		m = appendVarintField(m, 2, uint64(body.StyleID))
		m = appendDoubleField(m, 3, body.Rate)
		m = appendBoolField(m, 4, body.WantsZeroCopy)
		m = appendStringField(m, 5, body.Session)
		b = appendBytesField(b, fieldReqSynthesize, m)
	case ListModels:
		b = appendBytesField(b, fieldReqListModels, nil)
	case ListSpeakers:
		b = appendBytesField(b, fieldReqListSpeakers, nil)
	case Status:
		b = appendBytesField(b, fieldReqStatus, nil)
	case Shutdown:
		b = appendBytesField(b, fieldReqShutdown, nil)
	case CancelSession:
		b = appendBytesField(b, fieldReqCancelSession, appendStringField(nil, 1, body.Session))
	case nil:
		return nil, errNilBody
	default:
		return nil, fmt.Errorf("protocol: cannot encode request %T", body)
	}
	return b, nil
}

// DecodeRequest parses a frame payload. Unrecognised fields are skipped; an
// envelope carrying only unrecognised variants yields UnknownRequest.
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	var unknown protowire.Number
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case fieldID:
			req.ID, err = f.uint()
		case fieldReqSynthesize:
			var m []byte
			if m, err = f.bytes(); err == nil {
				req.Body, err = decodeSynthesize(m)
			}
		case fieldReqListModels:
			req.Body, err = ListModels{}, expectBytes(f)
		case fieldReqListSpeakers:
			req.Body, err = ListSpeakers{}, expectBytes(f)
		case fieldReqStatus:
			req.Body, err = Status{}, expectBytes(f)
		case fieldReqShutdown:
			req.Body, err = Shutdown{}, expectBytes(f)
		case fieldReqCancelSession:
			var m []byte
			if m, err = f.bytes(); err == nil {
				req.Body, err = decodeCancelSession(m)
			}
		default:
			if f.typ == protowire.BytesType && f.num > unknown {
				unknown = f.num
			}
		}
		return err
	})
	if err != nil {
		return Request{}, err
	}
	if req.Body == nil {
		req.Body = UnknownRequest{Field: unknown}
	}
	return req, nil
}

func expectBytes(f field) error {
	_, err := f.bytes()
	return err
}

func decodeSynthesize(b []byte) (Synthesize, error) {
	var s Synthesize
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			s.Text, err = f.str()
		case 2:
			s.StyleID, err = f.uint32()
		case 3:
			s.Rate, err = f.double()
		case 4:
			s.WantsZeroCopy, err = f.bool()
		case 5:
			s.Session, err = f.str()
		}
		return err
	})
	return s, err
}

func decodeCancelSession(b []byte) (CancelSession, error) {
	var c CancelSession
	err := eachField(b, func(f field) error {
		if f.num == 1 {
			var err error
			c.Session, err = f.str()
			return err
		}
		return nil
	})
	return c, err
}

// EncodeResponse serialises resp into a frame payload.
func EncodeResponse(resp Response) ([]byte, error) {
	b := appendVarintField(nil, fieldID, resp.ID)
	switch body := resp.Body.(type) {
	case Audio:
		m, err := encodeAudio(body)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, fieldRespAudio, m)
	case ModelList:
		var m []byte
		for _, info := range body.Models {
			m = appendBytesField(m, 1, encodeModelInfo(info))
		}
		b = appendBytesField(b, fieldRespModelList, m)
	case SpeakerList:
		var m []byte
		for _, info := range body.Speakers {
			m = appendBytesField(m, 1, encodeSpeakerInfo(info))
		}
		b = appendBytesField(b, fieldRespSpeakerList, m)
	case StatusReport:
		b = appendBytesField(b, fieldRespStatus, encodeStatus(body))
	case Error:
		var m []byte
		m = appendVarintField(m, 1, uint64(body.Kind))
		m = appendStringField(m, 2, body.Message)
		b = appendBytesField(b, fieldRespError, m)
	case Ack:
		b = appendBytesField(b, fieldRespAck, nil)
	case nil:
		return nil, errNilBody
	default:
		return nil, fmt.Errorf("protocol: cannot encode response %T", body)
	}
	return b, nil
}

func encodeAudio(a Audio) ([]byte, error) {
	var m []byte
	m = appendVarintField(m, 1, uint64(a.Format))
	m = appendVarintField(m, 2, uint64(a.SampleRate))
	m = appendVarintField(m, 3, uint64(a.Channels))
	switch p := a.Payload.(type) {
	case Inline:
		m = appendBytesField(m, 4, p.Data)
	case SharedHandle:
		var h []byte
		h = appendVarintField(h, 1, p.Size)
		h = appendVarintField(h, 2, p.Token)
		m = appendBytesField(m, 5, h)
	case nil:
		return nil, errNilPayload
	default:
		return nil, fmt.Errorf("protocol: cannot encode payload %T", p)
	}
	return m, nil
}

func encodeStyles(b []byte, num protowire.Number, styles []StyleInfo) []byte {
	for _, s := range styles {
		var m []byte
		m = appendVarintField(m, 1, uint64(s.ID))
		m = appendStringField(m, 2, s.Name)
		b = appendBytesField(b, num, m)
	}
	return b
}

func encodeModelInfo(info ModelInfo) []byte {
	var m []byte
	m = appendVarintField(m, 1, uint64(info.ID))
	m = appendStringField(m, 2, info.Name)
	m = appendStringField(m, 3, info.Speaker)
	m = encodeStyles(m, 4, info.Styles)
	m = appendBoolField(m, 5, info.Resident)
	m = appendBoolField(m, 6, info.Pinned)
	m = appendVarintField(m, 7, uint64(info.InUse))
	return m
}

func encodeSpeakerInfo(info SpeakerInfo) []byte {
	var m []byte
	m = appendStringField(m, 1, info.Name)
	m = appendVarintField(m, 2, uint64(info.ModelID))
	m = encodeStyles(m, 3, info.Styles)
	return m
}

func encodeStatus(s StatusReport) []byte {
	var m []byte
	m = appendVarintField(m, 1, uint64(s.PID))
	m = appendStringField(m, 2, s.State)
	m = appendStringField(m, 3, s.Version)
	m = appendVarintField(m, 4, s.UptimeMS)
	m = appendVarintField(m, 5, uint64(s.Connections))
	m = appendVarintField(m, 6, uint64(s.InFlight))
	m = appendVarintField(m, 7, uint64(s.Capacity))
	m = appendPackedField(m, 8, s.Resident)
	m = appendPackedField(m, 9, s.Pinned)
	return m
}

// DecodeResponse parses a frame payload produced by EncodeResponse or by a
// newer peer.
func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	var unknown protowire.Number
	err := eachField(b, func(f field) error {
		if f.num == fieldID {
			var err error
			resp.ID, err = f.uint()
			return err
		}
		m, err := f.bytes()
		if err != nil {
			if f.num <= fieldRespAck {
				return err
			}
			return nil
		}
		switch f.num {
		case fieldRespAudio:
			resp.Body, err = decodeAudio(m)
		case fieldRespModelList:
			resp.Body, err = decodeModelList(m)
		case fieldRespSpeakerList:
			resp.Body, err = decodeSpeakerList(m)
		case fieldRespStatus:
			resp.Body, err = decodeStatus(m)
		case fieldRespError:
			resp.Body, err = decodeError(m)
		case fieldRespAck:
			resp.Body = Ack{}
		default:
			if f.num > unknown {
				unknown = f.num
			}
		}
		return err
	})
	if err != nil {
		return Response{}, err
	}
	if resp.Body == nil {
		resp.Body = UnknownResponse{Field: unknown}
	}
	return resp, nil
}

func decodeAudio(b []byte) (Audio, error) {
	var a Audio
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v uint32
			v, err = f.uint32()
			a.Format = Format(v)
		case 2:
			a.SampleRate, err = f.uint32()
		case 3:
			a.Channels, err = f.uint32()
		case 4:
			var data []byte
			if data, err = f.bytes(); err == nil {
				var p Inline
				if len(data) > 0 {
					p.Data = append([]byte(nil), data...)
				}
				a.Payload = p
			}
		case 5:
			var h []byte
			if h, err = f.bytes(); err == nil {
				a.Payload, err = decodeSharedHandle(h)
			}
		}
		return err
	})
	if err != nil {
		return Audio{}, err
	}
	if a.Payload == nil {
		return Audio{}, malformed("audio without payload", nil)
	}
	return a, nil
}

func decodeSharedHandle(b []byte) (SharedHandle, error) {
	var h SharedHandle
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			h.Size, err = f.uint()
		case 2:
			h.Token, err = f.uint()
		}
		return err
	})
	return h, err
}

func decodeStyle(b []byte) (StyleInfo, error) {
	var s StyleInfo
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			s.ID, err = f.uint32()
		case 2:
			s.Name, err = f.str()
		}
		return err
	})
	return s, err
}

func decodeStyleField(dst []StyleInfo, f field) ([]StyleInfo, error) {
	m, err := f.bytes()
	if err != nil {
		return dst, err
	}
	s, err := decodeStyle(m)
	if err != nil {
		return dst, err
	}
	return append(dst, s), nil
}

func decodeModelList(b []byte) (ModelList, error) {
	var list ModelList
	err := eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		m, err := f.bytes()
		if err != nil {
			return err
		}
		var info ModelInfo
		err = eachField(m, func(f field) error {
			var err error
			switch f.num {
			case 1:
				info.ID, err = f.uint32()
			case 2:
				info.Name, err = f.str()
			case 3:
				info.Speaker, err = f.str()
			case 4:
				info.Styles, err = decodeStyleField(info.Styles, f)
			case 5:
				info.Resident, err = f.bool()
			case 6:
				info.Pinned, err = f.bool()
			case 7:
				info.InUse, err = f.uint32()
			}
			return err
		})
		if err != nil {
			return err
		}
		list.Models = append(list.Models, info)
		return nil
	})
	return list, err
}

func decodeSpeakerList(b []byte) (SpeakerList, error) {
	var list SpeakerList
	err := eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		m, err := f.bytes()
		if err != nil {
			return err
		}
		var info SpeakerInfo
		err = eachField(m, func(f field) error {
			var err error
			switch f.num {
			case 1:
				info.Name, err = f.str()
			case 2:
				info.ModelID, err = f.uint32()
			case 3:
				info.Styles, err = decodeStyleField(info.Styles, f)
			}
			return err
		})
		if err != nil {
			return err
		}
		list.Speakers = append(list.Speakers, info)
		return nil
	})
	return list, err
}

func decodeStatus(b []byte) (StatusReport, error) {
	var s StatusReport
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			s.PID, err = f.uint32()
		case 2:
			s.State, err = f.str()
		case 3:
			s.Version, err = f.str()
		case 4:
			s.UptimeMS, err = f.uint()
		case 5:
			s.Connections, err = f.uint32()
		case 6:
			s.InFlight, err = f.uint32()
		case 7:
			s.Capacity, err = f.uint32()
		case 8:
			s.Resident, err = f.appendUint32s(s.Resident)
		case 9:
			s.Pinned, err = f.appendUint32s(s.Pinned)
		}
		return err
	})
	return s, err
}

func decodeError(b []byte) (Error, error) {
	var e Error
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v uint32
			v, err = f.uint32()
			e.Kind = ErrorKind(v)
		case 2:
			e.Message, err = f.str()
		}
		return err
	})
	return e, err
}
