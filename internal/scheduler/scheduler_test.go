package scheduler

import (
	"context"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gocv.io/x/gocv"

	"github.com/kmmndr/video_overlay/internal/frame"
	"github.com/kmmndr/video_overlay/internal/video"
	"github.com/kmmndr/video_overlay/internal/vision"
)

const waitTimeout = 5 * time.Second

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeClock advances virtual time by d whenever After is called, so the
// loop never sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// fakeSource serves black frames and applies scripted state changes after
// a given number of reads.
type fakeSource struct {
	mu     sync.Mutex
	state  video.State
	width  int
	height int
	reads  int
	events chan video.State

	// after maps a cumulative read count to the state entered after it.
	after map[int]video.State
	// sizeAfter makes Size report 0x0 until it has been called that many times.
	sizeAfter int
	sizes     int
	// onRead runs after every read, outside the lock.
	onRead func(reads int)
}

func newFakeSource(state video.State) *fakeSource {
	return &fakeSource{
		state:  state,
		width:  64,
		height: 48,
		events: make(chan video.State, 16),
		after:  map[int]video.State{},
	}
}

func (s *fakeSource) State() video.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes++
	if s.sizes <= s.sizeAfter {
		return 0, 0
	}
	return s.width, s.height
}

func (s *fakeSource) Read(dst *gocv.Mat) error {
	s.mu.Lock()
	if s.state == video.Ended {
		s.mu.Unlock()
		return video.ErrEnded
	}
	dst.SetTo(gocv.NewScalar(0, 0, 0, 0))
	s.reads++
	reads := s.reads
	next, ok := s.after[reads]
	s.mu.Unlock()

	if ok {
		s.set(next)
	}
	if s.onRead != nil {
		s.onRead(reads)
	}
	return nil
}

func (s *fakeSource) Events() <-chan video.State {
	return s.events
}

func (s *fakeSource) set(state video.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.events <- state
}

type countingRenderer struct {
	mu      sync.Mutex
	renders int
	sizes   [][2]int
}

func (r *countingRenderer) Render(m gocv.Mat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders++
	r.sizes = append(r.sizes, [2]int{m.Cols(), m.Rows()})
	return nil
}

func (r *countingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

type recordingSink struct {
	mu      sync.Mutex
	reports []vision.Report
}

func (s *recordingSink) Publish(r vision.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) all() []vision.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vision.Report(nil), s.reports...)
}

// failingProcessor wraps a processor and fails on the listed calls.
type failingProcessor struct {
	next  Processor
	fail  map[int]bool
	calls int
}

func (p *failingProcessor) Process(src *gocv.Mat, bufs *frame.Pool) ([]vision.Detection, error) {
	p.calls++
	if p.fail[p.calls] {
		return nil, errors.New("stage failed")
	}
	return p.next.Process(src, bufs)
}

type fixture struct {
	source      *fakeSource
	pool        *frame.Pool
	clock       *fakeClock
	renderer    *countingRenderer
	sink        *recordingSink
	transitions chan Transition
	scheduler   *Scheduler

	mu  sync.Mutex
	log []Transition
}

func newFixture(t *testing.T, source *fakeSource, processor Processor) *fixture {
	t.Helper()

	pipeline := vision.NewPipeline(vision.DefaultOptions(), testLogger())
	if processor == nil {
		processor = pipeline
	}

	f := &fixture{
		source:      source,
		pool:        pipeline.NewPool(),
		clock:       newFakeClock(),
		renderer:    &countingRenderer{},
		sink:        &recordingSink{},
		transitions: make(chan Transition, 64),
	}
	f.scheduler = New(source, f.pool, processor, Config{FPS: 30}, testLogger(),
		WithClock(f.clock),
		WithRenderer(f.renderer),
		WithSinks(f.sink),
		WithObserver(func(tr Transition) {
			f.mu.Lock()
			f.log = append(f.log, tr)
			f.mu.Unlock()
			f.transitions <- tr
		}),
	)
	t.Cleanup(f.pool.Release)
	return f
}

// start runs the scheduler until the returned stop function is called.
func (f *fixture) start(t *testing.T) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(waitTimeout):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

// waitIdle blocks until a session has released its buffers.
func (f *fixture) waitIdle(t *testing.T) Transition {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case tr := <-f.transitions:
			if tr.To == Idle {
				return tr
			}
		case <-deadline:
			t.Fatal("timed out waiting for the scheduler to go idle")
		}
	}
}

func (f *fixture) history() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transition(nil), f.log...)
}

func TestSchedulerBufferBalance(t *testing.T) {
	source := newFakeSource(video.Paused)
	source.after[3] = video.Paused
	source.after[6] = video.Ended

	f := newFixture(t, source, nil)
	stop := f.start(t)

	source.set(video.Playing)
	f.waitIdle(t)
	if f.pool.Allocated() {
		t.Fatal("buffers still allocated after pause")
	}

	source.set(video.Playing)
	f.waitIdle(t)

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want %v", err, context.Canceled)
	}

	stats := f.pool.Stats()
	if stats.Allocations != 2 || stats.Releases != 2 || stats.Live != 0 {
		t.Errorf("pool stats: got %+v, want 2 allocations, 2 releases, 0 live", stats)
	}
	if got := f.renderer.count(); got != 6 {
		t.Errorf("renders: got %d, want 6", got)
	}
	if got := f.scheduler.Stats().Sessions; got != 2 {
		t.Errorf("sessions: got %d, want 2", got)
	}

	want := []State{Allocating, Running, Draining, Idle, Allocating, Running, Draining, Idle}
	history := f.history()
	if len(history) != len(want) {
		t.Fatalf("transitions: got %v, want %v", history, want)
	}
	for i, tr := range history {
		if tr.To != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, tr.To, want[i])
		}
	}
	if history[2].Reason != "paused" || history[6].Reason != "ended" {
		t.Errorf("drain reasons: got %q and %q", history[2].Reason, history[6].Reason)
	}
}

func TestSchedulerCadence(t *testing.T) {
	source := newFakeSource(video.Playing)
	f := newFixture(t, source, nil)

	start := f.clock.Now()
	source.onRead = func(int) {
		if f.clock.Now().Sub(start) >= time.Second-f.scheduler.Interval() {
			source.set(video.Ended)
		}
	}

	stop := f.start(t)
	f.waitIdle(t)
	stop()

	if got := f.renderer.count(); got < 29 || got > 31 {
		t.Errorf("ticks in one second at 30 fps: got %d, want 30 +/- 1", got)
	}
}

func TestSchedulerEndedMidStream(t *testing.T) {
	source := newFakeSource(video.Playing)
	f := newFixture(t, source, nil)

	var endedAt time.Time
	source.onRead = func(reads int) {
		if reads == 5 {
			endedAt = f.clock.Now()
			source.set(video.Ended)
		}
	}

	stop := f.start(t)
	f.waitIdle(t)
	stop()

	if got := f.renderer.count(); got != 5 {
		t.Errorf("renders: got %d, want 5", got)
	}
	if f.pool.Allocated() || f.pool.Stats().Live != 0 {
		t.Errorf("buffers not released: %+v", f.pool.Stats())
	}

	var draining Transition
	for _, tr := range f.history() {
		if tr.To == Draining {
			draining = tr
		}
	}
	if draining.Reason != "ended" {
		t.Fatalf("drain reason: got %q, want ended", draining.Reason)
	}
	if lag := draining.At.Sub(endedAt); lag > f.scheduler.Interval() {
		t.Errorf("drain started %v after the end, want at most one tick", lag)
	}
}

func TestSchedulerStageFailureContained(t *testing.T) {
	source := newFakeSource(video.Playing)
	source.after[5] = video.Ended

	pipeline := vision.NewPipeline(vision.DefaultOptions(), testLogger())
	f := newFixture(t, source, &failingProcessor{next: pipeline, fail: map[int]bool{2: true}})

	stop := f.start(t)
	f.waitIdle(t)
	stop()

	if got := f.renderer.count(); got != 4 {
		t.Errorf("renders: got %d, want 4", got)
	}
	stats := f.scheduler.Stats()
	if stats.Ticks != 5 || stats.FailedTicks != 1 {
		t.Errorf("stats: got %+v, want 5 ticks with 1 failure", stats)
	}
	if len(f.sink.all()) != 4 {
		t.Errorf("reports: got %d, want 4", len(f.sink.all()))
	}
}

func TestSchedulerWaitsForSourceSize(t *testing.T) {
	source := newFakeSource(video.Playing)
	source.sizeAfter = 3
	source.after[2] = video.Ended

	f := newFixture(t, source, nil)
	start := f.clock.Now()

	stop := f.start(t)
	f.waitIdle(t)
	stop()

	var running Transition
	for _, tr := range f.history() {
		if tr.To == Running {
			running = tr
		}
	}
	if running.At.IsZero() {
		t.Fatal("never reached running")
	}
	if waited := running.At.Sub(start); waited != 3*DefaultRetryInterval {
		t.Errorf("waited %v before running, want %v", waited, 3*DefaultRetryInterval)
	}
	if got := f.renderer.count(); got != 2 {
		t.Errorf("renders: got %d, want 2", got)
	}
}

func TestSchedulerCancelDrains(t *testing.T) {
	source := newFakeSource(video.Playing)
	f := newFixture(t, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.onRead = func(reads int) {
		if reads == 3 {
			cancel()
		}
	}

	err := f.scheduler.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want %v", err, context.Canceled)
	}
	if got := f.renderer.count(); got != 3 {
		t.Errorf("renders: got %d, want 3", got)
	}
	if f.pool.Allocated() {
		t.Error("buffers still allocated after cancel")
	}
	if f.scheduler.State() != Idle {
		t.Errorf("state: got %v, want idle", f.scheduler.State())
	}
}

func TestSchedulerReports(t *testing.T) {
	source := newFakeSource(video.Paused)
	source.after[2] = video.Paused
	source.after[4] = video.Ended

	f := newFixture(t, source, nil)
	stop := f.start(t)
	source.set(video.Playing)
	f.waitIdle(t)
	source.set(video.Playing)
	f.waitIdle(t)
	stop()

	reports := f.sink.all()
	if len(reports) != 4 {
		t.Fatalf("reports: got %d, want 4", len(reports))
	}
	if reports[0].SessionID != reports[1].SessionID {
		t.Error("session id changed within a session")
	}
	if reports[1].SessionID == reports[2].SessionID {
		t.Error("session id reused across sessions")
	}
	for i, r := range reports {
		if want := uint64(i % 2); r.Seq != want {
			t.Errorf("report %d: seq %d, want %d", i, r.Seq, want)
		}
		if r.Width != 64 || r.Height != 48 {
			t.Errorf("report %d: size %dx%d, want 64x48", i, r.Width, r.Height)
		}
	}
}

// timedSource reports 100ms of media time per read.
type timedSource struct {
	*fakeSource
}

func (s timedSource) MediaTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.reads) * 100 * time.Millisecond
}

func TestSchedulerReportsMediaTime(t *testing.T) {
	source := newFakeSource(video.Playing)
	source.after[3] = video.Ended

	pipeline := vision.NewPipeline(vision.DefaultOptions(), testLogger())
	pool := pipeline.NewPool()
	sink := &recordingSink{}
	s := New(timedSource{source}, pool, pipeline, Config{}, testLogger(),
		WithClock(newFakeClock()),
		WithSinks(sink),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.onRead = func(reads int) {
		if reads == 3 {
			cancel()
		}
	}
	s.Run(ctx)

	reports := sink.all()
	if len(reports) != 3 {
		t.Fatalf("reports: got %d, want 3", len(reports))
	}
	for i, r := range reports {
		if want := time.Duration(i+1) * 100 * time.Millisecond; r.MediaTime != want {
			t.Errorf("report %d: media time %v, want %v", i, r.MediaTime, want)
		}
	}
}

// flakySink fails on the listed calls.
type flakySink struct {
	fail  map[int]bool
	calls int
}

func (s *flakySink) Publish(vision.Report) error {
	s.calls++
	if s.fail[s.calls] {
		return errors.New("broker unavailable")
	}
	return nil
}

func TestSchedulerPublishFailureLoggedOnce(t *testing.T) {
	source := newFakeSource(video.Playing)
	source.after[8] = video.Ended

	logger, hook := test.NewNullLogger()
	pipeline := vision.NewPipeline(vision.DefaultOptions(), testLogger())
	pool := pipeline.NewPool()
	sink := &flakySink{fail: map[int]bool{2: true, 3: true, 4: true, 5: true, 7: true}}
	s := New(source, pool, pipeline, Config{}, logger,
		WithClock(newFakeClock()),
		WithSinks(sink),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.onRead = func(reads int) {
		if reads == 8 {
			cancel()
		}
	}
	s.Run(ctx)

	var warnings, recoveries int
	for _, entry := range hook.AllEntries() {
		switch entry.Message {
		case "publish failed":
			if entry.Level == logrus.WarnLevel {
				warnings++
			}
		case "publish recovered":
			recoveries++
		}
	}
	if warnings != 2 || recoveries != 2 {
		t.Errorf("got %d warnings and %d recoveries, want 2 and 2", warnings, recoveries)
	}
	if sink.calls != 8 {
		t.Errorf("publish calls: got %d, want 8", sink.calls)
	}
	if got := s.Stats().FailedTicks; got != 0 {
		t.Errorf("failed ticks: got %d, want 0", got)
	}
}

func TestSchedulerRunTwice(t *testing.T) {
	f := newFixture(t, newFakeSource(video.Paused), nil)
	stop := f.start(t)
	defer stop()

	deadline := time.Now().Add(waitTimeout)
	for !f.scheduler.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := f.scheduler.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("got %v, want %v", err, ErrAlreadyRunning)
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		fps  float64
		want time.Duration
	}{
		{30, time.Second / 30},
		{10, 100 * time.Millisecond},
		{0, time.Second / 30},
	}

	for _, tt := range tests {
		s := New(newFakeSource(video.Paused), frame.NewPool(gocv.Scalar{}, gocv.Scalar{}), nil, Config{FPS: tt.fps}, testLogger())
		if got := s.Interval(); got != tt.want {
			t.Errorf("fps %v: got %v, want %v", tt.fps, got, tt.want)
		}
	}
}

// stopAfterFirst keeps the first rendered frame and stops the still source.
type stopAfterFirst struct {
	still *video.Still
	frame []byte
}

func (r *stopAfterFirst) Render(m gocv.Mat) error {
	if r.frame == nil {
		r.frame = m.ToBytes()
	}
	r.still.Stop()
	return nil
}

func TestSchedulerWhiteSquareEndToEnd(t *testing.T) {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 540, 960, gocv.MatTypeCV8UC3)
	region := mat.Region(image.Rect(400, 200, 500, 300))
	region.SetTo(gocv.NewScalar(255, 255, 255, 0))
	region.Close()

	f, err := frame.NewFrame(&mat)
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	still := video.NewStill(f)
	defer still.Close()

	pipeline := vision.NewPipeline(vision.DefaultOptions(), testLogger())
	pool := pipeline.NewPool()
	renderer := &stopAfterFirst{still: still}
	sink := &recordingSink{}

	s := New(still, pool, pipeline, Config{}, testLogger(),
		WithClock(newFakeClock()),
		WithRenderer(renderer),
		WithSinks(sink),
	)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	still.Play()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(waitTimeout)
	for len(sink.all()) == 0 || s.State() != Idle {
		select {
		case <-deadline:
			t.Fatal("scenario did not complete")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	reports := sink.all()
	if len(reports) != 1 || len(reports[0].Detections) != 1 {
		t.Fatalf("reports: got %+v, want one report with one detection", reports)
	}
	d := reports[0].Detections[0]
	if d.X < 397 || d.X > 403 || d.Width < 94 || d.Width > 103 {
		t.Errorf("detection: got %+v, want about 100x100 at (400,200)", d)
	}
	i := (d.Y*960 + d.X + d.Width/2) * 3
	if p := renderer.frame[i : i+3]; p[0] != 0 || p[1] != 0 || p[2] != 255 {
		t.Errorf("outline pixel: got %v, want red", p)
	}
	if stats := pool.Stats(); stats.Live != 0 || stats.Allocations != stats.Releases {
		t.Errorf("pool stats: got %+v", stats)
	}
}
