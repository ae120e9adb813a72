package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// Stats counts what the ingestor did with incoming frames.
type Stats struct {
	Accepted    int64
	Duplicates  int64
	Rejected    int64
	Noops       int64
	Malformed   int64
	Unsupported int64
}

// Ingestor subscribes to a shared push stream, decodes frames and hands
// the resulting events to an Applier.
type Ingestor struct {
	stream  Stream
	decoder *Decoder
	applier Applier

	mu          sync.Mutex
	unsubscribe func()

	accepted    atomic.Int64
	duplicates  atomic.Int64
	rejected    atomic.Int64
	noops       atomic.Int64
	malformed   atomic.Int64
	unsupported atomic.Int64
}

// NewIngestor wires the stream, decoder and applier. A nil decoder decodes
// without schema validation.
func NewIngestor(stream Stream, decoder *Decoder, applier Applier) *Ingestor {
	if decoder == nil {
		decoder = &Decoder{}
	}
	return &Ingestor{stream: stream, decoder: decoder, applier: applier}
}

// Start subscribes to the stream. Calling Start twice is a no-op.
func (i *Ingestor) Start() {
	if i == nil || i.stream == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unsubscribe != nil {
		return
	}
	i.unsubscribe = i.stream.Subscribe(i.Handle)
}

// Close removes this ingestor's subscription only.
func (i *Ingestor) Close() {
	if i == nil {
		return
	}
	i.mu.Lock()
	unsubscribe := i.unsubscribe
	i.unsubscribe = nil
	i.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Handle processes one frame. Panics raised downstream are recovered and
// logged by the threading helper so the stream keeps flowing.
func (i *Ingestor) Handle(frame Frame) {
	if i == nil {
		return
	}
	threading.RunSafe(func() {
		i.process(frame)
	})
}

func (i *Ingestor) process(frame Frame) {
	ev, err := i.decoder.Decode(frame)
	if err != nil {
		if errors.Is(err, ErrUnsupportedKind) {
			i.unsupported.Add(1)
			logx.Debugf("events: skip frame err=%v", err)
			return
		}
		i.malformed.Add(1)
		logx.Errorf("events: drop malformed frame binary=%t size=%d err=%v", frame.Binary, len(frame.Data), err)
		return
	}
	if i.applier == nil {
		return
	}
	outcome := i.applier.ApplyEvent(ev)
	switch outcome {
	case OutcomeApplied:
		i.accepted.Add(1)
	case OutcomeDuplicate:
		i.duplicates.Add(1)
	case OutcomeIrrelevant:
		i.rejected.Add(1)
		logx.Debugf("events: rejected kind=%s env=%s wallet=%s", ev.Kind, ev.Environment, ev.Wallet)
	default:
		i.noops.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (i *Ingestor) Stats() Stats {
	if i == nil {
		return Stats{}
	}
	return Stats{
		Accepted:    i.accepted.Load(),
		Duplicates:  i.duplicates.Load(),
		Rejected:    i.rejected.Load(),
		Noops:       i.noops.Load(),
		Malformed:   i.malformed.Load(),
		Unsupported: i.unsupported.Load(),
	}
}
