package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// DefaultWindow is the token coalescing window used by interactive callers.
const DefaultWindow = 30 * time.Millisecond

// Item is one element delivered by Coalesce: either an event or the error
// that ended the stream.
type Item struct {
	Event Event
	Err   error
}

// Coalesce pulls events from next and delivers them on the returned channel.
// Consecutive token events arriving within window of the first buffered token
// are merged into one. Any other event flushes buffered tokens first and is
// then delivered without delay, so status, result and error events are never
// held back. A window of zero disables merging.
//
// The channel is closed when next returns io.EOF, after an error item, or
// when ctx is done. Callers must close the underlying stream when ctx is
// cancelled so a blocked next can return.
func Coalesce(ctx context.Context, next func() (Event, error), window time.Duration) <-chan Item {
	raw := make(chan Item)
	go func() {
		defer close(raw)
		for {
			ev, err := next()
			if errors.Is(err, io.EOF) {
				return
			}
			var it Item
			if err != nil {
				it.Err = err
			} else {
				it.Event = ev
			}
			select {
			case raw <- it:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	out := make(chan Item)
	go func() {
		defer close(out)

		var (
			buf   strings.Builder
			held  bool
			timer *time.Timer
			tick  <-chan time.Time
		)

		send := func(it Item) bool {
			select {
			case out <- it:
				return true
			case <-ctx.Done():
				return false
			}
		}
		flush := func() bool {
			if !held {
				return true
			}
			if timer != nil {
				timer.Stop()
			}
			tick = nil
			held = false
			content := buf.String()
			buf.Reset()
			return send(Item{Event: Event{Type: EventToken, Content: content}})
		}

		for {
			select {
			case it, ok := <-raw:
				if !ok {
					flush()
					return
				}
				if it.Err == nil && it.Event.Type == EventToken && window > 0 {
					buf.WriteString(it.Event.Content)
					if !held {
						held = true
						timer = time.NewTimer(window)
						tick = timer.C
					}
					continue
				}
				if !flush() || !send(it) {
					return
				}
			case <-tick:
				if !flush() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
