package chat

import (
	"context"

	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// session returns the conversation's live call session, creating one when
// there is none or the previous one ended.
func (c *Coordinator) session(conv *conversation, participants []string) (*call.Session, error) {
	if c.opts.Media == nil || c.opts.Peers == nil {
		return nil, ErrCallsDisabled
	}
	if conv.session != nil && conv.session.Status() != call.Ended {
		return conv.session, nil
	}
	if len(participants) == 0 {
		participants = []string{c.opts.UserID}
	}
	s := call.NewSession(c.loop, conv.id, participants, c.opts.Media, c.opts.Peers, c.transport, c.opts.Call)
	s.OnState(func(st call.State) {
		c.each(func(o Observer) { o.CallStateChanged(st) })
	})
	conv.session = s
	return s, nil
}

// StartCall places a call in the conversation. Media acquisition happens on
// the calling goroutine.
func (c *Coordinator) StartCall(ctx context.Context, conversationID string, participants ...string) error {
	var s *call.Session
	if err := c.do(ctx, func() error {
		var err error
		s, err = c.session(c.conversation(conversationID), participants)
		return err
	}); err != nil {
		return err
	}
	return s.Start(ctx)
}

// AcceptCall answers the pending inbound offer of the conversation.
func (c *Coordinator) AcceptCall(ctx context.Context, conversationID string) error {
	var (
		s     *call.Session
		offer string
	)
	if err := c.do(ctx, func() error {
		conv := c.conversation(conversationID)
		if conv.offer == "" {
			return ErrNoIncomingCall
		}
		var err error
		s, err = c.session(conv, nil)
		if err != nil {
			return err
		}
		offer = conv.offer
		conv.offer = ""
		conv.accepting = true
		return nil
	}); err != nil {
		return err
	}
	acceptErr := s.Accept(ctx, offer)
	err := c.do(ctx, func() error {
		conv := c.conversation(conversationID)
		early := conv.early
		conv.early = nil
		conv.accepting = false
		if acceptErr != nil {
			return nil
		}
		for _, cand := range early {
			s.HandleCandidate(cand)
		}
		return nil
	})
	if acceptErr != nil {
		return acceptErr
	}
	return err
}

// EndCall ends the conversation's call, or declines a pending inbound offer.
func (c *Coordinator) EndCall(ctx context.Context, conversationID string) error {
	return c.do(ctx, func() error {
		conv, ok := c.convs[conversationID]
		if !ok {
			return nil
		}
		conv.offer = ""
		conv.early = nil
		if conv.session != nil {
			conv.session.End()
		}
		return nil
	})
}

func (c *Coordinator) ToggleMute(ctx context.Context, conversationID string) (bool, error) {
	var muted bool
	err := c.do(ctx, func() error {
		s, err := c.session(c.conversation(conversationID), nil)
		if err != nil {
			return err
		}
		muted = s.ToggleMute()
		return nil
	})
	return muted, err
}

func (c *Coordinator) ToggleCamera(ctx context.Context, conversationID string) (bool, error) {
	var on bool
	err := c.do(ctx, func() error {
		s, err := c.session(c.conversation(conversationID), nil)
		if err != nil {
			return err
		}
		on = s.ToggleCamera()
		return nil
	})
	return on, err
}

// CallState reports the conversation's call, or an Idle state when none
// exists.
func (c *Coordinator) CallState(ctx context.Context, conversationID string) (call.State, error) {
	st := call.State{ConversationID: conversationID, Status: call.Idle, CameraOn: true}
	err := c.do(ctx, func() error {
		if conv, ok := c.convs[conversationID]; ok && conv.session != nil {
			st = conv.session.State()
		}
		return nil
	})
	return st, err
}

func (c *Coordinator) handleSDP(f signaling.SDPFrame) {
	conv := c.conversation(f.ConversationID)
	switch f.Kind {
	case signaling.KindSDPOffer:
		if conv.session != nil && conv.session.Status() != call.Ended {
			c.log.Info().Str("conv_id", conv.id).Str("status", conv.session.Status().String()).Msg("ignoring offer during live call")
			return
		}
		conv.offer = f.SDP
		conv.early = nil
		c.each(func(o Observer) { o.IncomingCall(conv.id) })
	case signaling.KindSDPAnswer:
		if conv.session == nil {
			c.log.Debug().Str("conv_id", conv.id).Msg("answer without call session")
			return
		}
		conv.session.HandleAnswer(f.SDP)
	}
}

// maxEarlyCandidates bounds the candidates kept for an offer not yet accepted.
const maxEarlyCandidates = 64

func (c *Coordinator) handleCandidate(f signaling.ICECandidateFrame) {
	conv, ok := c.convs[f.ConversationID]
	if ok && (conv.offer != "" || conv.accepting) {
		if len(conv.early) < maxEarlyCandidates {
			conv.early = append(conv.early, f.Candidate)
		}
		return
	}
	if !ok || conv.session == nil {
		c.log.Debug().Str("conv_id", f.ConversationID).Msg("candidate without call session")
		return
	}
	conv.session.HandleCandidate(f.Candidate)
}
