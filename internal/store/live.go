package store

import (
	"context"

	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/query"
)

// LiveQuery delivers the full, fresh result set of a selector whenever a
// committed mutation may have changed it. The channel has a buffer of one
// and keeps only the latest snapshot; a slow consumer observes the most
// recent state, never a backlog of stale ones.
type LiveQuery struct {
	results chan []document.Document
	cancel  func()
}

// Results yields result-set snapshots. The channel is closed by Close or
// when the originating context ends.
func (l *LiveQuery) Results() <-chan []document.Document {
	return l.results
}

func (l *LiveQuery) Close() {
	l.cancel()
}

// Find evaluates sel immediately and then re-evaluates it after every change
// event, emitting a snapshot each time. The initial snapshot is delivered
// before Find returns a result on the channel buffer.
func (s *Store) Find(ctx context.Context, sel query.Selector) (*LiveQuery, error) {
	initial, err := s.Search(ctx, sel)
	if err != nil {
		return nil, err
	}

	events, unsubscribe := s.feed.subscribe()
	ctx, stop := context.WithCancel(ctx)

	lq := &LiveQuery{
		results: make(chan []document.Document, 1),
		cancel: func() {
			stop()
			unsubscribe()
		},
	}
	lq.emit(initial)

	go func() {
		defer close(lq.results)
		defer lq.cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				// Drain whatever queued up so one requery covers a burst.
				for drained := true; drained; {
					select {
					case _, ok = <-events:
						if !ok {
							return
						}
					default:
						drained = false
					}
				}
				docs, err := s.Search(ctx, sel)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.log.Warn(ctx, "live query re-evaluation failed", "error", err)
					continue
				}
				lq.emit(docs)
			}
		}
	}()
	return lq, nil
}

// emit replaces any pending snapshot with the latest one.
func (l *LiveQuery) emit(docs []document.Document) {
	for {
		select {
		case l.results <- docs:
			return
		default:
			select {
			case <-l.results:
			default:
			}
		}
	}
}
