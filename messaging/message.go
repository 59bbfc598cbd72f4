package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/scusemua/jupyter-kernel-client/jupyter"
)

const (
	// ShellChannel carries request/reply exchanges initiated by the client.
	ShellChannel Channel = "shell"
	// ControlChannel carries request/reply exchanges that must not queue behind shell traffic.
	ControlChannel Channel = "control"
	// IOPubChannel carries broadcast side outputs and kernel status.
	IOPubChannel Channel = "iopub"
	// StdinChannel carries input requests from the kernel and input replies from the client.
	StdinChannel Channel = "stdin"
)

const (
	KernelInfoRequest MessageType = "kernel_info_request"
	KernelInfoReply   MessageType = "kernel_info_reply"

	ExecuteRequest MessageType = "execute_request"
	ExecuteReply   MessageType = "execute_reply"

	CompleteRequest   MessageType = "complete_request"
	CompleteReply     MessageType = "complete_reply"
	InspectRequest    MessageType = "inspect_request"
	InspectReply      MessageType = "inspect_reply"
	HistoryRequest    MessageType = "history_request"
	HistoryReply      MessageType = "history_reply"
	IsCompleteRequest MessageType = "is_complete_request"
	IsCompleteReply   MessageType = "is_complete_reply"
	CommInfoRequest   MessageType = "comm_info_request"
	CommInfoReply     MessageType = "comm_info_reply"

	InputRequest MessageType = "input_request"
	InputReply   MessageType = "input_reply"

	StatusMessage MessageType = "status"
	StreamMessage MessageType = "stream"

	CommOpen  MessageType = "comm_open"
	CommMsg   MessageType = "comm_msg"
	CommClose MessageType = "comm_close"
)

// ExecutionStateKey is the content field of an iopub status message that
// carries the kernel's execution state.
const ExecutionStateKey = "execution_state"

// ExecutionStateIdle is the execution_state value that terminates a request
// once the shell reply has also arrived.
const ExecutionStateIdle = "idle"

var (
	ErrInvalidMessage = fmt.Errorf("invalid jupyter message")

	// validate is shared by Message.Validate. validator.New is
	// relatively expensive, so a single instance is kept.
	validate = validator.New()
)

// Channel is one of the four logical multiplexes on the kernel websocket.
type Channel string

func (c Channel) String() string {
	return string(c)
}

// IsValid returns true if c is one of the four protocol channels.
func (c Channel) IsValid() bool {
	switch c {
	case ShellChannel, ControlChannel, IOPubChannel, StdinChannel:
		return true
	}
	return false
}

// MessageType is the msg_type field of a Jupyter message header.
type MessageType string

func (t MessageType) String() string {
	return string(t)
}

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
type MessageHeader struct {
	MsgID    string      `json:"msg_id" validate:"required"`
	Username string      `json:"username"`
	Session  string      `json:"session" validate:"required"`
	Date     string      `json:"date"`
	MsgType  MessageType `json:"msg_type" validate:"required"`
	Version  string      `json:"version"`
}

func (header *MessageHeader) Clone() *MessageHeader {
	clone := *header
	return &clone
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Empty returns true for a zero-valued header, which is how a message with
// no parent is represented on the wire.
func (header *MessageHeader) Empty() bool {
	return header.MsgID == "" && header.MsgType == ""
}

// Message represents one protocol message: exactly one websocket frame.
type Message struct {
	Header       MessageHeader          `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Channel      Channel                `json:"channel"`
	Content      map[string]interface{} `json:"content"`
	Metadata     map[string]interface{} `json:"metadata"`
	Buffers      [][]byte               `json:"buffers,omitempty"`
}

func (msg *Message) String() string {
	m, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// ExecutionState extracts the execution_state of an iopub status message.
// Returns "" if msg is not a status message or the field is absent.
func (msg *Message) ExecutionState() string {
	if msg.Header.MsgType != StatusMessage {
		return ""
	}

	state, _ := msg.Content[ExecutionStateKey].(string)
	return state
}

// Validate checks the structural requirements on an inbound message: a
// populated header and a recognized channel. Messages failing validation
// are logged and dropped by the dispatcher.
func (msg *Message) Validate() error {
	if err := validate.Struct(&msg.Header); err != nil {
		return fmt.Errorf("%w: bad header: %v", ErrInvalidMessage, err)
	}

	if !msg.Channel.IsValid() {
		return fmt.Errorf("%w: unrecognized channel \"%s\"", ErrInvalidMessage, msg.Channel)
	}

	return nil
}

// MessageOptions parameterizes NewMessage.
type MessageOptions struct {
	MsgType  MessageType
	Channel  Channel
	Username string
	Session  string

	// MsgID, when empty, is generated.
	MsgID string
}

// NewMessage produces a well-formed protocol message: header populated with
// the protocol version, a generated msg_id when none is supplied, and an
// empty parent header. Pure construction; no I/O.
func NewMessage(opts MessageOptions, content map[string]interface{}, metadata map[string]interface{}, buffers [][]byte) *Message {
	msgID := opts.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	if content == nil {
		content = make(map[string]interface{})
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &Message{
		Header: MessageHeader{
			MsgID:    msgID,
			Username: opts.Username,
			Session:  opts.Session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  opts.MsgType,
			Version:  jupyter.ProtocolVersion,
		},
		Channel:  opts.Channel,
		Content:  content,
		Metadata: metadata,
		Buffers:  buffers,
	}
}
