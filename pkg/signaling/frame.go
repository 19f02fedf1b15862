package signaling

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindChat         Kind = "chat"
	KindTyping       Kind = "typing"
	KindNotification Kind = "notification"
	KindICECandidate Kind = "ice-candidate"
	KindSDPOffer     Kind = "sdp-offer"
	KindSDPAnswer    Kind = "sdp-answer"
)

// Frame is the closed set of messages exchanged with the signaling server.
type Frame interface {
	FrameKind() Kind
	isFrame()
}

type ChatFrame struct {
	ConversationID string    `json:"conversationId" validate:"required"`
	TempID         string    `json:"tempId,omitempty"`
	ID             string    `json:"id,omitempty"`
	SenderID       string    `json:"senderId" validate:"required"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
}

type TypingFrame struct {
	ConversationID string `json:"conversationId" validate:"required"`
	SenderID       string `json:"senderId" validate:"required"`
	Typing         bool   `json:"typing"`
}

type NotificationFrame struct {
	ID       string `json:"id,omitempty"`
	Category string `json:"category" validate:"required"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=info success warning error critical"`
}

// SDPFrame carries an offer or an answer; Kind selects which.
type SDPFrame struct {
	Kind           Kind   `json:"-"`
	ConversationID string `json:"conversationId" validate:"required"`
	SDP            string `json:"sdp" validate:"required"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate" validate:"required"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type ICECandidateFrame struct {
	ConversationID string       `json:"conversationId" validate:"required"`
	Candidate      ICECandidate `json:"candidate" validate:"required"`
}

func (ChatFrame) FrameKind() Kind         { return KindChat }
func (TypingFrame) FrameKind() Kind       { return KindTyping }
func (NotificationFrame) FrameKind() Kind { return KindNotification }
func (f SDPFrame) FrameKind() Kind        { return f.Kind }
func (ICECandidateFrame) FrameKind() Kind { return KindICECandidate }

func (ChatFrame) isFrame()         {}
func (TypingFrame) isFrame()       {}
func (NotificationFrame) isFrame() {}
func (SDPFrame) isFrame()          {}
func (ICECandidateFrame) isFrame() {}

func (f ChatFrame) MarshalJSON() ([]byte, error) {
	type alias ChatFrame
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindChat, alias(f)})
}

func (f TypingFrame) MarshalJSON() ([]byte, error) {
	type alias TypingFrame
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindTyping, alias(f)})
}

func (f NotificationFrame) MarshalJSON() ([]byte, error) {
	type alias NotificationFrame
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindNotification, alias(f)})
}

func (f SDPFrame) MarshalJSON() ([]byte, error) {
	type alias SDPFrame
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{f.Kind, alias(f)})
}

func (f ICECandidateFrame) MarshalJSON() ([]byte, error) {
	type alias ICECandidateFrame
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindICECandidate, alias(f)})
}

var validate = validator.New()

// Validate checks a frame against its struct constraints.
func Validate(f Frame) error {
	if f == nil {
		return errors.New("nil frame")
	}
	if sdp, ok := f.(SDPFrame); ok && sdp.Kind != KindSDPOffer && sdp.Kind != KindSDPAnswer {
		return errors.Errorf("invalid sdp frame kind %q", sdp.Kind)
	}
	if err := validate.Struct(f); err != nil {
		return errors.Wrapf(err, "invalid %s frame", f.FrameKind())
	}
	return nil
}

// Encode validates f and serializes it with its kind discriminator.
func Encode(f Frame) ([]byte, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", f.FrameKind())
	}
	return b, nil
}

// Decode parses one wire message into its concrete frame type and validates
// it. Unknown kinds are rejected.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "decode frame envelope")
	}

	var (
		f   Frame
		err error
	)
	switch head.Kind {
	case KindChat:
		var v ChatFrame
		err = json.Unmarshal(data, &v)
		f = v
	case KindTyping:
		var v TypingFrame
		err = json.Unmarshal(data, &v)
		f = v
	case KindNotification:
		var v NotificationFrame
		err = json.Unmarshal(data, &v)
		f = v
	case KindSDPOffer, KindSDPAnswer:
		var v SDPFrame
		err = json.Unmarshal(data, &v)
		v.Kind = head.Kind
		f = v
	case KindICECandidate:
		var v ICECandidateFrame
		err = json.Unmarshal(data, &v)
		f = v
	case "":
		return nil, errors.New("frame without kind")
	default:
		return nil, errors.Errorf("unknown frame kind %q", head.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s frame", head.Kind)
	}
	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}
