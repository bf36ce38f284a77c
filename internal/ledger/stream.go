package ledger

import (
	"context"
	"fmt"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/pkg/types"
)

// DefaultPageSize is the number of mutations fetched per page.
const DefaultPageSize = 500

// PageFunc fetches up to limit mutations with sequence > after, in order.
type PageFunc func(ctx context.Context, after uint64, limit int) ([]types.MutationEvent, error)

// Stream iterates mutations lazily, one page at a time. It ends at the tail
// of the ledger as observed by the last page fetch; a new stream started
// from Cursor picks up everything committed later.
//
//	s := l.StreamMutations(ctx, checkpoint)
//	defer s.Close()
//	for s.Next() {
//		ev := s.Event()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	ctx      context.Context
	fetch    PageFunc
	pageSize int

	cursor uint64
	buf    []types.MutationEvent
	pos    int
	cur    types.MutationEvent
	err    error
	done   bool
	closed bool
}

// NewStream returns a stream of mutations after since.
func NewStream(ctx context.Context, since uint64, pageSize int, fetch PageFunc) *Stream {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream{ctx: ctx, fetch: fetch, pageSize: pageSize, cursor: since}
}

// Next advances to the next mutation.
func (s *Stream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if s.pos >= len(s.buf) {
		if s.done {
			return false
		}
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
		page, err := s.fetch(s.ctx, s.cursor, s.pageSize)
		if err != nil {
			s.err = err
			return false
		}
		if len(page) < s.pageSize {
			s.done = true
		}
		if len(page) == 0 {
			return false
		}
		s.buf, s.pos = page, 0
	}

	ev := s.buf[s.pos]
	if ev.Sequence <= s.cursor {
		s.err = rerrors.NewLedgerError(rerrors.CodeUnexpected,
			fmt.Sprintf("ledger: stream out of order: sequence %d after %d", ev.Sequence, s.cursor), nil)
		return false
	}
	s.pos++
	s.cur = ev
	s.cursor = ev.Sequence
	return true
}

// Event returns the current mutation.
func (s *Stream) Event() types.MutationEvent {
	return s.cur
}

// Cursor returns the sequence of the last mutation returned by Next, or the
// starting sequence before the first call.
func (s *Stream) Cursor() uint64 {
	return s.cursor
}

// Err returns the error that stopped iteration, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close stops the stream.
func (s *Stream) Close() error {
	s.closed = true
	s.buf = nil
	return nil
}

// SliceStream returns a stream over a fixed, ordered slice of mutations.
func SliceStream(ctx context.Context, since uint64, pageSize int, events []types.MutationEvent) *Stream {
	return NewStream(ctx, since, pageSize, func(_ context.Context, after uint64, limit int) ([]types.MutationEvent, error) {
		var page []types.MutationEvent
		for _, ev := range events {
			if ev.Sequence > after {
				page = append(page, ev)
				if len(page) == limit {
					break
				}
			}
		}
		return page, nil
	})
}
