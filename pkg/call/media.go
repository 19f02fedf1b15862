package call

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// Media failures reported by MediaDevices implementations.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("no capture device")
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type Stream interface {
	Tracks() []Track
}

type Constraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local capture.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// PeerConnection is the peer-to-peer primitive a Session drives. Callbacks
// may fire on any goroutine.
type PeerConnection interface {
	AddTrack(t Track) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(typ SDPType, sdp string) error
	AddICECandidate(c signaling.ICECandidate) error
	OnICECandidate(func(signaling.ICECandidate))
	OnTrack(func(Track))
	Close() error
}

type PeerConnector interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}

// MediaAccessError is returned by Start when local capture cannot be
// acquired. The session stays Idle and Start may be retried.
type MediaAccessError struct {
	ConversationID string
	Err            error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("call %s: media access: %v", e.ConversationID, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

func (e *MediaAccessError) PermissionDenied() bool {
	return errors.Is(e.Err, ErrPermissionDenied)
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}
