package journal

import (
	"arena-feed/pkg/events"
)

// ReplayStream is a Stream backed by journaled frames. Subscribers receive
// the frames in journal order when Play is called.
type ReplayStream struct {
	*events.Fanout
	records []*Record
}

func NewReplayStream(records []*Record) *ReplayStream {
	return &ReplayStream{Fanout: events.NewFanout(), records: records}
}

// Play publishes every record to the current subscribers and returns the
// number of frames played.
func (s *ReplayStream) Play() int {
	played := 0
	for _, rec := range s.records {
		if rec == nil {
			continue
		}
		s.Publish(rec.Frame)
		played++
	}
	return played
}
