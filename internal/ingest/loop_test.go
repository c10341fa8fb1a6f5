package ingest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"amscam/native/internal/domain"
	"amscam/native/internal/logger"
	"amscam/native/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pullResult struct {
	ok    bool
	frame *domain.Frame
}

// scriptedCapture replays results, then reports placeholders forever.
type scriptedCapture struct {
	mu       sync.Mutex
	results  []pullResult
	released int
}

func (c *scriptedCapture) Pull() (bool, *domain.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return false, domain.Placeholder()
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r.ok, r.frame
}

func (c *scriptedCapture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *scriptedCapture) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSink) WriteFrame(f *domain.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f.Payload)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type sourceOf struct {
	mu       sync.Mutex
	captures []*scriptedCapture
	built    int
}

func (s *sourceOf) next() domain.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.captures[s.built]
	s.built++
	return c
}

func (s *sourceOf) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}

func frame(b byte) pullResult {
	return pullResult{ok: true, frame: &domain.Frame{Payload: []byte{b}}}
}

func testOptions() Options {
	return Options{
		PollInterval: time.Millisecond,
		RetryDelay:   time.Millisecond,
		Logger:       logger.Discard(),
	}
}

func runUntil(t *testing.T, l *Loop, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	defer cancel()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
	cancel()
	return <-errc
}

func TestRun_DeliversInOrder(t *testing.T) {
	c := &scriptedCapture{results: []pullResult{
		frame(1),
		{ok: false, frame: domain.Placeholder()},
		frame(2),
		frame(3),
	}}
	src := &sourceOf{captures: []*scriptedCapture{c}}
	sink := &recordingSink{}

	err := runUntil(t, New(src.next, sink, testOptions()), func() bool { return sink.count() == 3 })
	require.NoError(t, err)

	assert.Equal(t, [][]byte{{1}, {2}, {3}}, sink.frames)
	assert.Equal(t, 1, src.count(), "placeholder must not rebuild the capture")
	assert.Equal(t, 1, c.releases(), "capture released once on exit")
}

func TestRun_RebuildsOnStale(t *testing.T) {
	stale := &scriptedCapture{results: []pullResult{frame(1), {ok: false, frame: nil}}}
	fresh := &scriptedCapture{results: []pullResult{frame(2)}}
	src := &sourceOf{captures: []*scriptedCapture{stale, fresh}}
	sink := &recordingSink{}

	m := metrics.New()
	opts := testOptions()
	opts.Metrics = m

	err := runUntil(t, New(src.next, sink, opts), func() bool { return sink.count() == 2 })
	require.NoError(t, err)

	assert.Equal(t, 2, src.count(), "one rebuild")
	assert.Equal(t, 1, stale.releases())
	assert.Equal(t, 1, fresh.releases())
}

func TestRun_SinkErrorStops(t *testing.T) {
	c := &scriptedCapture{results: []pullResult{frame(1)}}
	src := &sourceOf{captures: []*scriptedCapture{c}}
	boom := errors.New("broken pipe")
	sink := &recordingSink{err: boom}

	err := New(src.next, sink, testOptions()).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.releases())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	c := &scriptedCapture{}
	src := &sourceOf{captures: []*scriptedCapture{c}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, New(src.next, &recordingSink{}, testOptions()).Run(ctx), "cancellation is not an error")
	assert.Equal(t, 1, c.releases())
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := WriterSink{W: &buf}
	for _, p := range [][]byte{{0, 0, 0, 1, 0x67}, {0, 0, 0, 1, 0x65}} {
		require.NoError(t, s.WriteFrame(&domain.Frame{Payload: p}))
	}
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x65}, buf.Bytes())
}
