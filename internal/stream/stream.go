// Package stream turns an incremental text production into readable log
// lines while keeping the exact transcript for later structuring.
package stream

import (
	"context"
	"iter"
	"strings"
	"unicode/utf8"
)

// DefaultThreshold is the buffer length, in runes, that forces a flush.
const DefaultThreshold = 80

// Aggregator buffers fragments and hands complete lines, or over-long
// partial lines, to a sink. It is not safe for concurrent use.
type Aggregator struct {
	threshold  int
	sink       func(line string)
	pending    strings.Builder
	transcript strings.Builder
	fragments  int
}

// New returns an Aggregator. threshold <= 0 selects DefaultThreshold; a nil
// sink discards lines.
func New(threshold int, sink func(line string)) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if sink == nil {
		sink = func(string) {}
	}
	return &Aggregator{threshold: threshold, sink: sink}
}

// OnFragment records text and flushes whatever the buffer now allows.
func (a *Aggregator) OnFragment(text string) {
	a.fragments++
	a.transcript.WriteString(text)
	a.pending.WriteString(text)
	a.flush(false)
}

// Close emits any remaining buffered text and returns the transcript.
func (a *Aggregator) Close() string {
	a.flush(true)
	return a.transcript.String()
}

// Transcript returns every fragment received so far, in order.
func (a *Aggregator) Transcript() string {
	return a.transcript.String()
}

// Fragments returns the number of fragments received.
func (a *Aggregator) Fragments() int {
	return a.fragments
}

func (a *Aggregator) flush(force bool) {
	buf := a.pending.String()
	if i := strings.LastIndexByte(buf, '\n'); i >= 0 {
		for _, line := range strings.Split(buf[:i], "\n") {
			a.sink(line)
		}
		buf = buf[i+1:]
	}
	if buf != "" && (force || utf8.RuneCountInString(buf) >= a.threshold) {
		a.sink(buf)
		buf = ""
	}
	a.pending.Reset()
	a.pending.WriteString(buf)
}

// Consume drains seq into agg and always closes it. It returns the
// transcript and the first error from seq or ctx.
func Consume(ctx context.Context, seq iter.Seq2[string, error], agg *Aggregator) (string, error) {
	var firstErr error
	for fragment, err := range seq {
		if err != nil {
			firstErr = err
			break
		}
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		agg.OnFragment(fragment)
	}
	return agg.Close(), firstErr
}
