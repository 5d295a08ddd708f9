package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
}

func answer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
}

func recv(t *testing.T, c Channel) Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func assertQuiet(t *testing.T, c Channel) {
	t.Helper()
	select {
	case m := <-c.Messages():
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMessageValidate(t *testing.T) {
	assert.NoError(t, NewOffer("a", offer()).Validate())
	assert.NoError(t, NewAnswer("b", "x", answer()).Validate())
	assert.NoError(t, NewCandidate("a", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}).Validate())
	assert.NoError(t, NewHangup("a").Validate())

	cases := map[string]Message{
		"answer carried as offer": NewOffer("a", answer()),
		"garbage sdp":             NewOffer("a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "hello"}),
		"empty candidate":         NewCandidate("a", webrtc.ICECandidateInit{}),
		"no sender":               {Kind: KindHangup, ID: "1"},
		"unknown kind":            {Kind: "renegotiate", ID: "1", From: "a"},
	}
	for name, m := range cases {
		assert.True(t, errors.Is(m.Validate(), ErrMalformed), name)
	}
}

func TestHub_DeliversToOtherParticipantOnly(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, err := h.Subscribe(ctx, "consult-1", "alice")
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, "consult-1", "bob")
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, NewOffer("alice", offer())))
	got := recv(t, b)
	assert.Equal(t, KindOffer, got.Kind)
	assertQuiet(t, a)
}

func TestHub_LateJoinerReplaysHistory(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, err := h.Subscribe(ctx, "c", "alice")
	require.NoError(t, err)
	o := NewOffer("alice", offer())
	require.NoError(t, a.Publish(ctx, o))
	c1 := NewCandidate("alice", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	require.NoError(t, a.Publish(ctx, c1))

	b, err := h.Subscribe(ctx, "c", "bob")
	require.NoError(t, err)
	assert.Equal(t, o.ID, recv(t, b).ID)
	assert.Equal(t, c1.ID, recv(t, b).ID)
}

func TestHub_DropsRedelivery(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, _ := h.Subscribe(ctx, "c", "alice")
	b, _ := h.Subscribe(ctx, "c", "bob")

	m := NewCandidate("alice", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	require.NoError(t, a.Publish(ctx, m))
	h.Inject("c", m)

	assert.Equal(t, m.ID, recv(t, b).ID)
	assertQuiet(t, b)
}

func TestHub_SeatCap(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, _ := h.Subscribe(ctx, "c", "alice")
	_, _ = h.Subscribe(ctx, "c", "bob")

	_, err := h.Subscribe(ctx, "c", "mallory")
	assert.True(t, errors.Is(err, ErrChannelFull))

	require.NoError(t, a.Close())
	_, err = h.Subscribe(ctx, "c", "mallory")
	assert.NoError(t, err)
}

func TestHub_OneSubscriptionPerParticipant(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, err := h.Subscribe(ctx, "c", "alice")
	require.NoError(t, err)

	_, err = h.Subscribe(ctx, "c", "alice")
	assert.True(t, errors.Is(err, ErrParticipantTaken))
	assert.Equal(t, 1, h.Subscribers("c"))

	require.NoError(t, a.Close())
	again, err := h.Subscribe(ctx, "c", "alice")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, _ := h.Subscribe(ctx, "c", "alice")

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 0, h.Subscribers("c"))

	_, open := <-a.Messages()
	assert.False(t, open)
	assert.True(t, errors.Is(a.Publish(ctx, NewHangup("alice")), ErrClosed))
}

func TestHub_RejectsMalformedPublish(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, _ := h.Subscribe(ctx, "c", "alice")
	err := a.Publish(ctx, Message{Kind: KindOffer, ID: "1", From: "alice"})
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Empty(t, h.History("c"))
}

func TestHub_KeepsPerSenderOrder(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	a, _ := h.Subscribe(ctx, "c", "alice")
	b, _ := h.Subscribe(ctx, "c", "bob")

	var ids []string
	for i := 0; i < 50; i++ {
		m := NewCandidate("alice", webrtc.ICECandidateInit{Candidate: "candidate:" + string(rune('a'+i%26))})
		ids = append(ids, m.ID)
		require.NoError(t, a.Publish(ctx, m))
	}
	for _, id := range ids {
		assert.Equal(t, id, recv(t, b).ID)
	}
}
