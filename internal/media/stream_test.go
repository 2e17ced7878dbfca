package media

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studydash/callengine/internal/domain"
)

func TestStream_ReplaceTrackKeepsOrder(t *testing.T) {
	a := NewLocalTrack(domain.TrackKindAudio, nil, nil)
	v1 := NewLocalTrack(domain.TrackKindVideo, nil, nil)
	v2 := NewLocalTrack(domain.TrackKindVideo, nil, nil)
	s := NewStream(a, v1)

	s.ReplaceTrack(v1, v2)

	tracks := s.Tracks()
	assert.Len(t, tracks, 2)
	assert.Same(t, a, tracks[0])
	assert.Same(t, v2, tracks[1])
	assert.False(t, v1.Stopped(), "replace must not stop the old track")
}

func TestStream_StopStopsEveryTrackOnce(t *testing.T) {
	released := 0
	a := NewLocalTrack(domain.TrackKindAudio, nil, func() { released++ })
	v := NewLocalTrack(domain.TrackKindVideo, nil, func() { released++ })
	s := NewStream(a, v)

	s.Stop()
	s.Stop()

	assert.Equal(t, 2, released)
	assert.True(t, a.Stopped())
	assert.True(t, v.Stopped())
}

func TestLocalTrack_EnabledByDefault(t *testing.T) {
	tr := NewLocalTrack(domain.TrackKindAudio, nil, nil)
	assert.True(t, tr.Enabled())
	assert.NotEmpty(t, tr.ID())

	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())
}

func TestFacingMode_Opposite(t *testing.T) {
	assert.Equal(t, FacingEnvironment, FacingUser.Opposite())
	assert.Equal(t, FacingUser, FacingEnvironment.Opposite())
	assert.Equal(t, FacingEnvironment, FacingMode("").Opposite())
}
