package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Request is one client call. ID is chosen by the client and echoed on the
// matching Response.
type Request struct {
	ID   uint64
	Body RequestBody
}

// RequestBody is implemented only by the request variants in this package.
type RequestBody interface {
	isRequest()
}

// Synthesize asks for PCM audio of Text spoken in StyleID. Session groups the
// segments of one streamed utterance so they can be cancelled together.
type Synthesize struct {
	Text          string
	StyleID       uint32
	Rate          float64
	WantsZeroCopy bool
	Session       string
}

type ListModels struct{}

type ListSpeakers struct{}

type Status struct{}

type Shutdown struct{}

// CancelSession abandons any not yet started synthesis tagged with Session.
type CancelSession struct {
	Session string
}

// UnknownRequest is what a request variant added by a newer client decodes to.
type UnknownRequest struct {
	Field protowire.Number
}

func (Synthesize) isRequest()     {}
func (ListModels) isRequest()     {}
func (ListSpeakers) isRequest()   {}
func (Status) isRequest()         {}
func (Shutdown) isRequest()       {}
func (CancelSession) isRequest()  {}
func (UnknownRequest) isRequest() {}

// Response answers exactly one Request.
type Response struct {
	ID   uint64
	Body ResponseBody
}

type ResponseBody interface {
	isResponse()
}

type Format uint32

const (
	FormatUnspecified Format = 0
	// FormatS16LE is interleaved signed 16-bit little endian PCM.
	FormatS16LE Format = 1
)

func (f Format) String() string {
	switch f {
	case FormatS16LE:
		return "s16le"
	default:
		return fmt.Sprintf("format(%d)", uint32(f))
	}
}

type Audio struct {
	Format     Format
	SampleRate uint32
	Channels   uint32
	Payload    Payload
}

// Payload is either Inline or SharedHandle.
type Payload interface {
	isPayload()
}

type Inline struct {
	Data []byte
}

// SharedHandle announces a memory file descriptor sent alongside the frame.
// Size is the exact byte length the receiver must find when it maps it.
type SharedHandle struct {
	Size  uint64
	Token uint64
}

func (Inline) isPayload()       {}
func (SharedHandle) isPayload() {}

type StyleInfo struct {
	ID   uint32
	Name string
}

type ModelInfo struct {
	ID       uint32
	Name     string
	Speaker  string
	Styles   []StyleInfo
	Resident bool
	Pinned   bool
	InUse    uint32
}

type ModelList struct {
	Models []ModelInfo
}

type SpeakerInfo struct {
	Name    string
	ModelID uint32
	Styles  []StyleInfo
}

type SpeakerList struct {
	Speakers []SpeakerInfo
}

type StatusReport struct {
	PID         uint32
	State       string
	Version     string
	UptimeMS    uint64
	Connections uint32
	InFlight    uint32
	Capacity    uint32
	Resident    []uint32
	Pinned      []uint32
}

type Ack struct{}

type ErrorKind uint32

const (
	KindInternal ErrorKind = iota
	KindProtocol
	KindUnsupported
	KindUnknownStyle
	KindModelLoad
	KindSynthesis
	KindCancelled
	KindShuttingDown
)

func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindProtocol:
		return "protocol"
	case KindUnsupported:
		return "unsupported"
	case KindUnknownStyle:
		return "unknown_style"
	case KindModelLoad:
		return "model_load"
	case KindSynthesis:
		return "synthesis"
	case KindCancelled:
		return "cancelled"
	case KindShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Error is a failure reported by the daemon for one request.
type Error struct {
	Kind    ErrorKind
	Message string
}

type UnknownResponse struct {
	Field protowire.Number
}

func (Audio) isResponse()           {}
func (ModelList) isResponse()       {}
func (SpeakerList) isResponse()     {}
func (StatusReport) isResponse()    {}
func (Ack) isResponse()             {}
func (Error) isResponse()           {}
func (UnknownResponse) isResponse() {}
