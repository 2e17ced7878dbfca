package mesh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studydash/callengine/internal/domain"
)

// loop queues posted callbacks until drained, like the session event loop.
type loop struct{ queue []func() }

func (l *loop) post(fn func()) { l.queue = append(l.queue, fn) }

func (l *loop) drain() {
	for len(l.queue) > 0 {
		fn := l.queue[0]
		l.queue = l.queue[1:]
		fn()
	}
}

type fixture struct {
	m       *Manager
	factory *fakeFactory
	sig     *fakeSignaler
	loop    *loop
	changes int
}

func newFixture() *fixture {
	f := &fixture{factory: &fakeFactory{}, sig: &fakeSignaler{}, loop: &loop{}}
	f.m = New(Options{
		Factory:  f.factory,
		Signaler: f.sig,
		Post:     f.loop.post,
		OnChange: func() { f.changes++ },
		Logger:   zerolog.Nop(),
	})
	f.m.SetLocalMedia(newMedia())
	return f
}

func (f *fixture) pc(i int) *fakePC { return f.factory.created[i] }

func TestCreatePeer_InitiatorAttachesTracksThenOffers(t *testing.T) {
	f := newFixture()

	pc, err := f.m.CreatePeer("s1", "bob", true)
	require.NoError(t, err)

	assert.Equal(t, []string{"add-track:mic", "add-track:cam", "create-offer"}, f.pc(0).calls)
	require.Len(t, f.sig.sent, 1)
	assert.Equal(t, sent{to: "s1", sig: domain.Signal{Type: domain.SignalOffer, SDP: "offer-1"}}, f.sig.sent[0])
	assert.Same(t, f.pc(0), pc)
	assert.Equal(t, "bob", f.m.UserID("s1"))
}

func TestCreatePeer_IsIdempotent(t *testing.T) {
	f := newFixture()

	first, err := f.m.CreatePeer("s1", "bob", true)
	require.NoError(t, err)
	second, err := f.m.CreatePeer("s1", "bob", true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, f.factory.created, 1)
	assert.Len(t, f.sig.sent, 1, "no duplicate offer")
}

func TestCreatePeer_RequiresLocalMediaAndSignaler(t *testing.T) {
	m := New(Options{Factory: &fakeFactory{}, Signaler: &fakeSignaler{}, Logger: zerolog.Nop()})
	_, err := m.CreatePeer("s1", "", true)
	assert.ErrorIs(t, err, domain.ErrLocalStreamUnavailable)

	m = New(Options{Factory: &fakeFactory{}, Logger: zerolog.Nop()})
	m.SetLocalMedia(newMedia())
	_, err = m.CreatePeer("s1", "", true)
	assert.ErrorIs(t, err, domain.ErrSignalingChannelUnavailable)
	assert.Zero(t, m.Len())
}

func TestCreatePeer_OfferFailureTearsDown(t *testing.T) {
	f := newFixture()
	f.factory.prepare = func(pc *fakePC) { pc.offerErr = errors.New("no codecs") }

	_, err := f.m.CreatePeer("s1", "", true)

	assert.Error(t, err)
	assert.Zero(t, f.m.Len())
	assert.True(t, f.pc(0).closed)
	assert.Empty(t, f.sig.sent)
}

func TestHandleSignal_OfferFlushesQueuedCandidatesInOrder(t *testing.T) {
	f := newFixture()

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, f.m.HandleSignal("s1", candidate(c)))
	}
	assert.Zero(t, f.m.Len(), "candidates alone never create a connection")
	assert.Len(t, f.m.PendingCandidates("s1"), 3)

	require.NoError(t, f.m.HandleSignal("s1", domain.Signal{Type: domain.SignalOffer, SDP: "remote-offer"}))

	assert.Equal(t, []string{
		"add-track:mic", "add-track:cam",
		"set-remote:offer",
		"add-candidate:c1", "add-candidate:c2", "add-candidate:c3",
		"create-answer",
	}, f.pc(0).calls)
	assert.Empty(t, f.m.PendingCandidates("s1"))
	require.Len(t, f.sig.sent, 1)
	assert.Equal(t, domain.SignalAnswer, f.sig.sent[0].sig.Type)
	assert.Equal(t, "s1", f.sig.sent[0].to)
}

func TestHandleSignal_AnswerFlushesCandidatesQueuedSinceOffer(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("s1", "", true)
	require.NoError(t, err)

	require.NoError(t, f.m.HandleSignal("s1", candidate("c1")))
	require.NoError(t, f.m.HandleSignal("s1", candidate("c2")))
	assert.Empty(t, f.pc(0).applied)

	require.NoError(t, f.m.HandleSignal("s1", domain.Signal{Type: domain.SignalAnswer, SDP: "remote-answer"}))
	require.NoError(t, f.m.HandleSignal("s1", candidate("c3")))

	var got []string
	for _, c := range f.pc(0).applied {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, got)
	assert.Empty(t, f.m.PendingCandidates("s1"))
}

func TestHandleSignal_QueuedCandidatesKeepArrivalOrder(t *testing.T) {
	for n := 0; n <= 20; n += 5 {
		t.Run(fmt.Sprintf("%d candidates", n), func(t *testing.T) {
			f := newFixture()
			var want []string
			for i := 0; i < n; i++ {
				c := fmt.Sprintf("cand-%02d", (i*7)%n)
				want = append(want, c)
				require.NoError(t, f.m.HandleSignal("s1", candidate(c)))
			}

			require.NoError(t, f.m.HandleSignal("s1", domain.Signal{Type: domain.SignalOffer, SDP: "o"}))

			var got []string
			for _, c := range f.pc(0).applied {
				got = append(got, c.Candidate)
			}
			assert.Equal(t, want, got)
			assert.Empty(t, f.m.PendingCandidates("s1"))
		})
	}
}

func TestHandleSignal_RejectedCandidateIsSwallowed(t *testing.T) {
	f := newFixture()
	f.factory.prepare = func(pc *fakePC) { pc.rejectCandidate = "bad" }

	require.NoError(t, f.m.HandleSignal("s1", candidate("bad")))
	require.NoError(t, f.m.HandleSignal("s1", candidate("good")))
	require.NoError(t, f.m.HandleSignal("s1", domain.Signal{Type: domain.SignalOffer, SDP: "o"}))
	require.NoError(t, f.m.HandleSignal("s1", candidate("bad")))
	require.NoError(t, f.m.HandleSignal("s1", candidate("late")))

	require.Len(t, f.pc(0).applied, 2)
	assert.Equal(t, "good", f.pc(0).applied[0].Candidate)
	assert.Equal(t, "late", f.pc(0).applied[1].Candidate)
	assert.Equal(t, 1, f.m.Len())
}

func TestHandleSignal_CrossedOffersReuseConnection(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("s1", "bob", true)
	require.NoError(t, err)

	require.NoError(t, f.m.HandleSignal("s1", domain.Signal{Type: domain.SignalOffer, SDP: "their-offer"}))

	assert.Len(t, f.factory.created, 1, "no competing connection")
	assert.Equal(t, 1, f.m.Len())
}

func TestHandleSignal_AnswerForUnknownPeerIsIgnored(t *testing.T) {
	f := newFixture()

	assert.NoError(t, f.m.HandleSignal("ghost", domain.Signal{Type: domain.SignalAnswer, SDP: "a"}))
	assert.Empty(t, f.factory.created)
}

func TestRemovePeer_IsolatedFromOtherPeers(t *testing.T) {
	f := newFixture()
	f.m.SeedMembers([]domain.RoomMember{{SocketID: "a", UserID: "ua"}, {SocketID: "b", UserID: "ub"}})

	_, err := f.m.CreatePeer("a", "", true)
	require.NoError(t, err)
	_, err = f.m.CreatePeer("b", "", true)
	require.NoError(t, err)
	require.NoError(t, f.m.HandleSignal("a", candidate("a1")))
	require.NoError(t, f.m.HandleSignal("b", candidate("b1")))
	f.pc(1).onTrack(&fakeRemoteTrack{id: "bv", stream: "sb", kind: domain.TrackKindVideo})
	f.loop.drain()

	f.m.RemovePeer("a")

	assert.True(t, f.pc(0).closed)
	assert.False(t, f.pc(1).closed)
	assert.Empty(t, f.m.PendingCandidates("a"))
	assert.Equal(t, "", f.m.UserID("a"))
	assert.Len(t, f.m.PendingCandidates("b"), 1)
	assert.Equal(t, "ub", f.m.UserID("b"))

	parts := f.m.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "b", parts[0].SocketID)
	require.NotNil(t, parts[0].Stream)
	assert.Equal(t, "sb", parts[0].Stream.ID)
}

func TestRemovePeer_DropsLateCandidates(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("a", "ua", true)
	require.NoError(t, err)

	f.m.RemovePeer("a")
	require.NoError(t, f.m.HandleSignal("a", candidate("late")))

	assert.Empty(t, f.m.PendingCandidates("a"))
	assert.Empty(t, f.m.pending)
}

func TestRemovePeer_ReturningSocketQueuesAgain(t *testing.T) {
	f := newFixture()
	f.m.RemovePeer("a")

	_, err := f.m.CreatePeer("a", "ua", true)
	require.NoError(t, err)
	require.NoError(t, f.m.HandleSignal("a", candidate("c1")))

	assert.Len(t, f.m.PendingCandidates("a"), 1)
}

func TestConnectionStateTerminalRemovesPeer(t *testing.T) {
	for _, state := range []domain.ConnectionState{
		domain.ConnectionStateFailed,
		domain.ConnectionStateClosed,
		domain.ConnectionStateDisconnected,
	} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture()
			_, err := f.m.CreatePeer("s1", "", true)
			require.NoError(t, err)

			f.pc(0).onState(domain.ConnectionStateConnected)
			f.loop.drain()
			assert.Equal(t, 1, f.m.Len())

			f.pc(0).onState(state)
			assert.Equal(t, 1, f.m.Len(), "callbacks only take effect on the loop")
			f.loop.drain()

			assert.Zero(t, f.m.Len())
			assert.True(t, f.pc(0).closed)
		})
	}
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("s1", "", true)
	require.NoError(t, err)
	old := f.pc(0)

	f.m.RemovePeer("s1")
	_, err = f.m.CreatePeer("s1", "", true)
	require.NoError(t, err)
	sentBefore := len(f.sig.sent)

	old.onState(domain.ConnectionStateFailed)
	old.onTrack(&fakeRemoteTrack{id: "v", stream: "old", kind: domain.TrackKindVideo})
	old.onCandidate(domain.ICECandidate{Candidate: "stale"})
	f.loop.drain()

	assert.Equal(t, 1, f.m.Len())
	assert.False(t, f.pc(1).closed)
	assert.Nil(t, f.m.Participants()[0].Stream)
	assert.Len(t, f.sig.sent, sentBefore)
}

func TestLocalCandidatesAreSent(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("s1", "", true)
	require.NoError(t, err)

	mid := "0"
	f.pc(0).onCandidate(domain.ICECandidate{Candidate: "candidate:1", SDPMid: &mid})
	f.loop.drain()

	last := f.sig.sent[len(f.sig.sent)-1]
	assert.Equal(t, "s1", last.to)
	assert.Equal(t, domain.SignalCandidate, last.sig.Type)
	require.NotNil(t, last.sig.Candidate)
	assert.Equal(t, "candidate:1", last.sig.Candidate.Candidate)
}

func TestOnTrack_GroupsByStreamAndReplacesOnNewStream(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("s1", "bob", false)
	require.NoError(t, err)
	changes := f.changes

	f.pc(0).onTrack(&fakeRemoteTrack{id: "a", stream: "st1", kind: domain.TrackKindAudio})
	f.pc(0).onTrack(&fakeRemoteTrack{id: "v", stream: "st1", kind: domain.TrackKindVideo})
	f.loop.drain()

	p := f.m.Participants()[0]
	assert.Equal(t, "bob", p.UserID)
	require.NotNil(t, p.Stream)
	assert.Len(t, p.Stream.Tracks, 2)
	assert.Equal(t, "v", p.Stream.VideoTrack().ID())
	assert.Equal(t, changes+2, f.changes)

	f.pc(0).onTrack(&fakeRemoteTrack{id: "v2", stream: "st2", kind: domain.TrackKindVideo})
	f.loop.drain()

	p = f.m.Participants()[0]
	assert.Equal(t, "st2", p.Stream.ID)
	assert.Len(t, p.Stream.Tracks, 1)
}

func TestReplaceTrack_OnlyMatchingKindOnEveryPeer(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"a", "b"} {
		_, err := f.m.CreatePeer(id, "", true)
		require.NoError(t, err)
	}
	back := &fakeTrack{id: "cam-back", kind: domain.TrackKindVideo}

	require.NoError(t, f.m.ReplaceTrack(domain.TrackKindVideo, back))

	for _, pc := range f.factory.created {
		for _, s := range pc.senders {
			fs := s.(*fakeSender)
			if fs.kind == domain.TrackKindVideo {
				assert.Equal(t, []domain.Track{back}, fs.replaced)
			} else {
				assert.Empty(t, fs.replaced)
			}
		}
	}
}

func TestReplaceTrack_JoinsErrors(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("a", "", true)
	require.NoError(t, err)
	boom := errors.New("boom")
	f.pc(0).senders[1].(*fakeSender).err = boom

	err = f.m.ReplaceTrack(domain.TrackKindVideo, &fakeTrack{id: "x", kind: domain.TrackKindVideo})
	assert.ErrorIs(t, err, boom)
}

func TestCloseAll(t *testing.T) {
	f := newFixture()
	_, err := f.m.CreatePeer("a", "ua", true)
	require.NoError(t, err)
	require.NoError(t, f.m.HandleSignal("b", candidate("b1")))

	f.m.CloseAll()

	assert.True(t, f.pc(0).closed)
	assert.Zero(t, f.m.Len())
	assert.Empty(t, f.m.PendingCandidates("b"))
	assert.Empty(t, f.m.Participants())
	assert.Equal(t, "", f.m.UserID("a"))
}
