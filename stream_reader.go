package opbus

import (
	"context"
	"sync"

	"github.com/opsline/opbus/operation"
	"github.com/opsline/opbus/stream"
)

// StreamReader is one consumer's ordered view of an operation's events:
// the stored log replayed first, then live events, with the overlap
// between the two deduplicated by sequence number. Synthetic events
// (keepalives, the trailing stream_end) carry sequence 0 and bypass
// deduplication.
//
// The reader's channel is closed after the stream_end sentinel, after
// Close, or if the connection is evicted for falling behind.
type StreamReader struct {
	dispatcher *stream.Dispatcher
	conn       *stream.Connection

	out  chan *operation.Event
	done chan struct{}
	once sync.Once
}

func newStreamReader(d *stream.Dispatcher, conn *stream.Connection) *StreamReader {
	return &StreamReader{
		dispatcher: d,
		conn:       conn,
		out:        make(chan *operation.Event),
		done:       make(chan struct{}),
	}
}

// C returns the reader's delivery channel. It is closed when the stream
// ends; the final event before close is the stream_end sentinel unless
// the stream ended abnormally.
func (r *StreamReader) C() <-chan *operation.Event { return r.out }

// Next blocks for the next event. It returns ctx.Err() on context
// cancellation and ErrStreamClosed once the stream has ended.
func (r *StreamReader) Next(ctx context.Context) (*operation.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case evt, ok := <-r.out:
		if !ok {
			return nil, ErrStreamClosed
		}
		return evt, nil
	}
}

// Close ends the stream and releases the underlying connection.
// Idempotent.
func (r *StreamReader) Close() {
	r.once.Do(func() {
		close(r.done)
		r.dispatcher.Remove(context.Background(), r.conn.OperationID(), r.conn.ID())
	})
}

// pump delivers replayed events, then live events, in one goroutine so
// the consumer sees a single ordered stream. watermark is the highest
// sequence already delivered; live events at or below it arrived through
// both paths and are silently skipped.
//
// terminal reports that the operation had already finished when the
// stream was opened. In that case no live event will ever arrive, so the
// stream ends after the replay even when the requested window starts past
// the terminal event and the replayed slice carries no terminal itself.
func (r *StreamReader) pump(replay []*operation.Event, terminal bool) {
	defer close(r.out)
	defer r.Close()

	var watermark uint64
	for _, evt := range replay {
		if !r.deliver(evt) {
			return
		}
		watermark = evt.Sequence
		if evt.Type.Terminal() {
			r.deliver(operation.NewSynthetic(evt.OperationID, operation.EventStreamEnd))
			return
		}
	}
	if terminal {
		r.deliver(operation.NewSynthetic(r.conn.OperationID(), operation.EventStreamEnd))
		return
	}

	for {
		select {
		case <-r.done:
			return
		case evt, ok := <-r.conn.C():
			if !ok {
				// Evicted or dispatcher shutdown.
				return
			}
			if evt.Sequence != 0 && evt.Sequence <= watermark {
				continue
			}
			if !r.deliver(evt) {
				return
			}
			if evt.Sequence != 0 {
				watermark = evt.Sequence
			}
			if evt.Type.Terminal() {
				r.deliver(operation.NewSynthetic(evt.OperationID, operation.EventStreamEnd))
				return
			}
		}
	}
}

// deliver hands an event to the consumer, honoring Close.
func (r *StreamReader) deliver(evt *operation.Event) bool {
	select {
	case <-r.done:
		return false
	case r.out <- evt:
		return true
	}
}
