package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeAddsKindDiscriminator(t *testing.T) {
	b, err := Encode(ChatFrame{
		ConversationID: "c1",
		TempID:         "t1",
		SenderID:       "buyer-1",
		Content:        "hello",
		SentAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"chat","conversationId":"c1","tempId":"t1","senderId":"buyer-1","content":"hello","sentAt":"2026-01-02T03:04:05Z"}`, string(b))

	b, err = Encode(SDPFrame{Kind: KindSDPOffer, ConversationID: "c1", SDP: "v=0"})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"sdp-offer","conversationId":"c1","sdp":"v=0"}`, string(b))
}

func TestDecodeConcreteTypes(t *testing.T) {
	f, err := Decode([]byte(`{"kind":"sdp-answer","conversationId":"c1","sdp":"v=0"}`))
	require.NoError(t, err)
	require.Equal(t, SDPFrame{Kind: KindSDPAnswer, ConversationID: "c1", SDP: "v=0"}, f)

	f, err = Decode([]byte(`{"kind":"ice-candidate","conversationId":"c1","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMLineIndex":0}}`))
	require.NoError(t, err)
	ice, ok := f.(ICECandidateFrame)
	require.True(t, ok)
	require.Equal(t, "c1", ice.ConversationID)
	require.NotNil(t, ice.Candidate.SDPMLineIndex)
	require.Equal(t, uint16(0), *ice.Candidate.SDPMLineIndex)

	f, err = Decode([]byte(`{"kind":"notification","category":"escrowUpdates","message":"funds released","severity":"info"}`))
	require.NoError(t, err)
	require.Equal(t, NotificationFrame{Category: "escrowUpdates", Message: "funds released", Severity: "info"}, f)

	f, err = Decode([]byte(`{"kind":"typing","conversationId":"c1","senderId":"seller-1","typing":true}`))
	require.NoError(t, err)
	require.Equal(t, TypingFrame{ConversationID: "c1", SenderID: "seller-1", Typing: true}, f)
}

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"kind":`,
		"missing kind":      `{"conversationId":"c1"}`,
		"unknown kind":      `{"kind":"presence","conversationId":"c1"}`,
		"chat without conv": `{"kind":"chat","senderId":"u1","content":"x"}`,
		"empty candidate":   `{"kind":"ice-candidate","conversationId":"c1","candidate":{"candidate":""}}`,
		"bad severity":      `{"kind":"notification","category":"system","severity":"loud"}`,
		"sdp without body":  `{"kind":"sdp-offer","conversationId":"c1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestValidateRejectsSDPFrameWithoutKind(t *testing.T) {
	_, err := Encode(SDPFrame{ConversationID: "c1", SDP: "v=0"})
	require.Error(t, err)
}
