// Package call drives the lifecycle of one peer-to-peer audio/video session.
package call

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/eventloop"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

const DefaultNegotiationTimeout = 30 * time.Second

var (
	ErrInvalidTransition  = errors.New("invalid call state transition")
	ErrNegotiationTimeout = errors.New("call negotiation timed out")
	ErrSessionEnded       = errors.New("call session ended")
)

type Status int

const (
	Idle Status = iota
	Negotiating
	Active
	Ended
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(f signaling.Frame) error
}

// State is a snapshot handed to listeners.
type State struct {
	ConversationID string
	Participants   []string
	Status         Status
	Muted          bool
	CameraOn       bool
	LocalMedia     bool
	RemoteTracks   int
	Err            error
}

type Options struct {
	NegotiationTimeout time.Duration
	Constraints        Constraints
}

// Session is loop-confined except for Start and Accept, which block on media
// acquisition and must be called from outside the loop.
type Session struct {
	loop      *eventloop.Loop
	media     MediaDevices
	connector PeerConnector
	sender    Sender
	opts      Options
	log       zerolog.Logger

	conversationID string
	participants   []string

	status     Status
	starting   bool
	callee     bool
	local      Stream
	remote     []Track
	pc         PeerConnection
	muted      bool
	cameraOn   bool
	descSent   bool
	candidates []signaling.ICECandidate
	timer      *eventloop.Timer
	err        error

	listeners []func(State)
}

func NewSession(loop *eventloop.Loop, conversationID string, participants []string, media MediaDevices, connector PeerConnector, sender Sender, opts Options) *Session {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints = Constraints{Audio: true, Video: true}
	}
	return &Session{
		loop:           loop,
		media:          media,
		connector:      connector,
		sender:         sender,
		opts:           opts,
		conversationID: conversationID,
		participants:   append([]string(nil), participants...),
		cameraOn:       true,
		log: log.With().
			Str("component", "call").
			Str("conv_id", conversationID).
			Logger(),
	}
}

func (s *Session) OnState(fn func(State)) {
	if fn != nil {
		s.listeners = append(s.listeners, fn)
	}
}

func (s *Session) Status() Status { return s.status }

func (s *Session) Err() error { return s.err }

func (s *Session) State() State {
	return State{
		ConversationID: s.conversationID,
		Participants:   append([]string(nil), s.participants...),
		Status:         s.status,
		Muted:          s.muted,
		CameraOn:       s.cameraOn,
		LocalMedia:     s.local != nil,
		RemoteTracks:   len(s.remote),
		Err:            s.err,
	}
}

type prepared struct {
	stream Stream
	pc     PeerConnection
	sdp    string
}

// Start acquires local media, sends an sdp-offer and moves to Negotiating.
// It is rejected with ErrInvalidTransition unless the session is Idle with no
// other start in flight.
func (s *Session) Start(ctx context.Context) error {
	return s.run(ctx, false, "")
}

// Accept answers an inbound offer. The session moves to Negotiating while
// the answer is produced and to Active once it has been sent.
func (s *Session) Accept(ctx context.Context, offerSDP string) error {
	if offerSDP == "" {
		return errors.New("accept call: empty offer")
	}
	return s.run(ctx, true, offerSDP)
}

func (s *Session) run(ctx context.Context, callee bool, offerSDP string) error {
	var beginErr error
	if err := s.loop.Call(ctx, func() {
		if s.status != Idle || s.starting {
			beginErr = errors.Wrapf(ErrInvalidTransition, "start from %s", s.status)
			return
		}
		s.starting = true
		s.callee = callee
		s.candidates = nil
	}); err != nil {
		return err
	}
	if beginErr != nil {
		return beginErr
	}

	p, mediaErr, err := s.prepare(ctx, callee, offerSDP)

	var result error
	callErr := s.loop.Call(context.Background(), func() {
		result = s.finish(p, mediaErr, err)
	})
	if callErr != nil {
		p.release()
		return callErr
	}
	return result
}

// prepare does the blocking part of a start off the loop.
func (s *Session) prepare(ctx context.Context, callee bool, offerSDP string) (prepared, error, error) {
	var p prepared
	stream, err := s.media.GetUserMedia(ctx, s.opts.Constraints)
	if err != nil {
		return p, err, nil
	}
	p.stream = stream

	pc, err := s.connector.NewPeerConnection(ctx)
	if err != nil {
		return p, nil, errors.Wrap(err, "create peer connection")
	}
	p.pc = pc
	pc.OnICECandidate(func(c signaling.ICECandidate) {
		s.loop.Post(func() { s.localCandidate(pc, c) })
	})
	pc.OnTrack(func(t Track) {
		s.loop.Post(func() { s.remoteTrack(pc, t) })
	})
	for _, t := range stream.Tracks() {
		if err := pc.AddTrack(t); err != nil {
			return p, nil, errors.Wrapf(err, "add %s track", t.Kind())
		}
	}

	if callee {
		if err := pc.SetRemoteDescription(SDPOffer, offerSDP); err != nil {
			return p, nil, errors.Wrap(err, "apply remote offer")
		}
		p.sdp, err = pc.CreateAnswer(ctx)
		if err != nil {
			return p, nil, errors.Wrap(err, "create answer")
		}
		return p, nil, nil
	}
	p.sdp, err = pc.CreateOffer(ctx)
	if err != nil {
		return p, nil, errors.Wrap(err, "create offer")
	}
	return p, nil, nil
}

func (p prepared) release() {
	if p.pc != nil {
		_ = p.pc.Close()
	}
	if p.stream != nil {
		stopTracks(p.stream.Tracks())
	}
}

func (s *Session) finish(p prepared, mediaErr, err error) error {
	s.starting = false
	if s.status == Ended {
		p.release()
		return ErrSessionEnded
	}
	if mediaErr != nil {
		s.candidates = nil
		s.log.Warn().Err(mediaErr).Msg("media acquisition failed")
		return &MediaAccessError{ConversationID: s.conversationID, Err: mediaErr}
	}
	if err != nil {
		s.candidates = nil
		p.release()
		s.log.Warn().Err(err).Msg("call setup failed")
		return err
	}

	s.local = p.stream
	s.pc = p.pc
	s.applyTrackFlags()
	s.status = Negotiating
	s.notify()

	kind := signaling.KindSDPOffer
	if s.callee {
		kind = signaling.KindSDPAnswer
	}
	if err := s.sender.Send(signaling.SDPFrame{Kind: kind, ConversationID: s.conversationID, SDP: p.sdp}); err != nil {
		s.endWith(err)
		return errors.Wrapf(err, "send %s", kind)
	}
	s.descSent = true
	s.flushCandidates()

	if s.callee {
		s.status = Active
		s.notify()
		return nil
	}
	s.timer = s.loop.AfterFunc(s.opts.NegotiationTimeout, s.negotiationExpired)
	s.log.Debug().Dur("timeout", s.opts.NegotiationTimeout).Msg("offer sent")
	return nil
}

func (s *Session) negotiationExpired() {
	if s.status != Negotiating {
		return
	}
	s.log.Warn().Msg("no answer before negotiation timeout")
	s.endWith(ErrNegotiationTimeout)
}

// HandleAnswer applies a remote answer while Negotiating; in any other state
// it is ignored.
func (s *Session) HandleAnswer(sdp string) {
	if s.status != Negotiating || s.callee || s.pc == nil {
		s.log.Debug().Str("status", s.status.String()).Msg("ignoring sdp-answer")
		return
	}
	if err := s.pc.SetRemoteDescription(SDPAnswer, sdp); err != nil {
		s.log.Warn().Err(err).Msg("remote answer rejected")
		s.endWith(errors.Wrap(err, "apply remote answer"))
		return
	}
	s.timer.Stop()
	s.status = Active
	s.notify()
}

// HandleCandidate applies a remote candidate. Rejected candidates are dropped
// without affecting the session.
func (s *Session) HandleCandidate(c signaling.ICECandidate) {
	if (s.status != Negotiating && s.status != Active) || s.pc == nil {
		s.log.Debug().Str("status", s.status.String()).Msg("ignoring remote candidate")
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Debug().Err(err).Str("candidate", c.Candidate).Msg("dropping malformed candidate")
	}
}

func (s *Session) localCandidate(pc PeerConnection, c signaling.ICECandidate) {
	if s.status == Ended || (s.pc != nil && s.pc != pc) {
		return
	}
	if !s.descSent {
		s.candidates = append(s.candidates, c)
		return
	}
	s.sendCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.candidates
	s.candidates = nil
	for _, c := range pending {
		s.sendCandidate(c)
	}
}

func (s *Session) sendCandidate(c signaling.ICECandidate) {
	err := s.sender.Send(signaling.ICECandidateFrame{ConversationID: s.conversationID, Candidate: c})
	if err != nil {
		s.log.Debug().Err(err).Msg("could not send local candidate")
	}
}

func (s *Session) remoteTrack(pc PeerConnection, t Track) {
	if s.status == Ended || s.pc != pc {
		t.Stop()
		return
	}
	s.remote = append(s.remote, t)
	s.notify()
}

// ToggleMute flips the audio tracks. Without local media it is a no-op.
func (s *Session) ToggleMute() bool {
	if !s.hasLiveMedia() {
		return s.muted
	}
	s.muted = !s.muted
	s.applyTrackFlags()
	s.notify()
	return s.muted
}

// ToggleCamera flips the video tracks. Without local media it is a no-op.
func (s *Session) ToggleCamera() bool {
	if !s.hasLiveMedia() {
		return s.cameraOn
	}
	s.cameraOn = !s.cameraOn
	s.applyTrackFlags()
	s.notify()
	return s.cameraOn
}

func (s *Session) hasLiveMedia() bool {
	return s.local != nil && (s.status == Negotiating || s.status == Active)
}

func (s *Session) applyTrackFlags() {
	if s.local == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		switch t.Kind() {
		case TrackAudio:
			t.SetEnabled(!s.muted)
		case TrackVideo:
			t.SetEnabled(s.cameraOn)
		}
	}
}

// End releases all media and the peer connection. Calling it on an Ended
// session is a no-op.
func (s *Session) End() {
	s.endWith(nil)
}

func (s *Session) endWith(cause error) {
	if s.status == Ended {
		return
	}
	s.timer.Stop()
	s.timer = nil
	if s.local != nil {
		stopTracks(s.local.Tracks())
		s.local = nil
	}
	stopTracks(s.remote)
	s.remote = nil
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing peer connection")
		}
		s.pc = nil
	}
	s.candidates = nil
	s.status = Ended
	s.err = cause
	s.log.Info().AnErr("cause", cause).Msg("call ended")
	s.notify()
}

func (s *Session) notify() {
	st := s.State()
	for _, l := range s.listeners {
		l(st)
	}
}
