package client

import (
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"
)

// RemoteStream is the locally addressable media stream of one remote
// peer. It is materialized lazily on the first received track; every
// later track of the same peer converges onto it.
type RemoteStream struct {
	id     string
	userID domain.UserID

	mu     sync.RWMutex
	tracks []ports.RemoteTrack
}

func newRemoteStream(userID domain.UserID) *RemoteStream {
	return &RemoteStream{
		id:     utils.GenerateStreamID(),
		userID: userID,
	}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) UserID() domain.UserID { return s.userID }

func (s *RemoteStream) addTrack(t ports.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []ports.RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ports.RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioLevel reports the loudest current level among the stream's audio
// tracks, 0..127.
func (s *RemoteStream) AudioLevel() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var level uint8
	for _, t := range s.tracks {
		if t.Kind() != ports.KindAudio {
			continue
		}
		if l := t.AudioLevel(); l > level {
			level = l
		}
	}
	return level
}
