// Package eventlog records the kernel's append-only event stream.
//
// Events are persisted through the event store, which assigns sequence
// numbers and integrity hashes, and mirrored as JSON lines to an optional
// sink for external observability consumers. The line format is a
// compatibility surface; field names stay stable.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/storage"
)

// Log appends kernel events.
type Log struct {
	store storage.EventStore
	clock func() time.Time

	mu   sync.Mutex
	sink io.Writer
}

// New creates an event log over a store. Sink may be nil.
func New(store storage.EventStore, sink io.Writer) *Log {
	return &Log{store: store, sink: sink, clock: time.Now}
}

// WithClock overrides the timestamp source. Used by tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Emit persists one event and mirrors it to the sink. It is a no-op when the
// log is nil.
func (l *Log) Emit(ctx context.Context, evt domain.Event) (domain.Event, error) {
	if l == nil || l.store == nil {
		return evt, nil
	}
	if evt.Timestamp.IsZero() {
		if l.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = l.clock().UTC()
		}
	}
	appended, err := l.store.AppendEvent(ctx, evt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	if l.sink != nil {
		line, err := json.Marshal(appended)
		if err != nil {
			return domain.Event{}, fmt.Errorf("encode event line: %w", err)
		}
		l.mu.Lock()
		_, err = l.sink.Write(append(line, '\n'))
		l.mu.Unlock()
		if err != nil {
			return domain.Event{}, fmt.Errorf("write event line: %w", err)
		}
	}
	return appended, nil
}

// Since returns events after the given sequence number, oldest first.
func (l *Log) Since(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	return l.store.ListEvents(ctx, afterSeq, limit)
}

// VerifyChain walks the stored events and checks hash-chain continuity.
// It returns the number of verified events.
func (l *Log) VerifyChain(ctx context.Context) (int, error) {
	if l == nil || l.store == nil {
		return 0, nil
	}
	events, err := l.store.ListEvents(ctx, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	prevHash := ""
	for i, evt := range events {
		hash, err := domain.EventHash(evt)
		if err != nil {
			return i, fmt.Errorf("hash event %d: %w", evt.Seq, err)
		}
		if hash != evt.Hash {
			return i, fmt.Errorf("event %d hash mismatch", evt.Seq)
		}
		chainHash, err := domain.ChainHash(evt, prevHash)
		if err != nil {
			return i, fmt.Errorf("chain hash event %d: %w", evt.Seq, err)
		}
		if chainHash != evt.ChainHash {
			return i, fmt.Errorf("event %d chain hash mismatch", evt.Seq)
		}
		prevHash = evt.ChainHash
	}
	return len(events), nil
}
