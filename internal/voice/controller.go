package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/livesight/internal/observe"
	"github.com/MrWong99/livesight/internal/sink"
	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/audio/device"
	"github.com/MrWong99/livesight/pkg/audio/playback"
	"github.com/MrWong99/livesight/pkg/provider/live"
	"github.com/MrWong99/livesight/pkg/vision"
)

var (
	// ErrAlreadyStarted is returned by Start on a controller that was started
	// or closed before.
	ErrAlreadyStarted = errors.New("voice: already started")

	// ErrNotOpen is returned by StartScreenShare when the session is not open.
	ErrNotOpen = errors.New("voice: session not open")

	// ErrClosed is returned when the session ended before an operation
	// completed.
	ErrClosed = errors.New("voice: session closed")
)

const (
	defaultConnectTimeout = 15 * time.Second
	inboxSize             = 256
	audioQueueSize        = 64
	deliveryQueueSize     = 64
	deliverTimeout        = 10 * time.Second
)

// DefaultPlaybackFormat is the speaker format used when none is configured.
var DefaultPlaybackFormat = audio.Format{SampleRate: 48000, Channels: 2}

// Snapshot is the externally visible session state.
type Snapshot struct {
	SessionID     string     `json:"session_id"`
	Phase         Phase      `json:"-"`
	PhaseName     string     `json:"phase"`
	Expression    Expression `json:"expression"`
	Talking       bool       `json:"talking"`
	Listening     bool       `json:"listening"`
	Muted         bool       `json:"muted"`
	ScreenSharing bool       `json:"screen_sharing"`
	ShareError    string     `json:"share_error,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Observer is notified whenever the snapshot changes. OnState runs on the
// session's event loop and must not block.
type Observer interface {
	OnState(Snapshot)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(Snapshot)

// OnState calls f.
func (f ObserverFunc) OnState(s Snapshot) { f(s) }

// Deps are the collaborators of a [Controller]. Provider and Microphone are
// required.
type Deps struct {
	Provider   live.Provider
	Microphone device.Microphone

	// Display is optional; without it screen sharing reports unavailable.
	Display device.Display

	// Speaker is optional; without it playback is rendered and discarded.
	Speaker device.Speaker

	// Sink receives finalized messages. Defaults to a [sink.LogSink].
	Sink sink.Sink

	Observers []Observer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Options tune a [Controller].
type Options struct {
	// AssistantName selects the persona and, when Voice is empty, the voice.
	AssistantName string

	// Instructions overrides the persona.
	Instructions string

	Voice string
	Model string

	FramePeriod  time.Duration
	JPEGQuality  int
	MaxDimension int

	// Muted starts the session muted.
	Muted bool

	PlaybackFormat audio.Format
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.AssistantName == "" {
		o.AssistantName = DefaultAssistantName
	}
	if o.Instructions == "" {
		o.Instructions = Persona(o.AssistantName)
	}
	if o.Voice == "" {
		o.Voice = VoiceFor(o.AssistantName)
	}
	if o.FramePeriod <= 0 {
		o.FramePeriod = vision.DefaultPeriod
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = vision.DefaultQuality
	}
	switch {
	case o.MaxDimension == 0:
		o.MaxDimension = vision.DefaultMaxDimension
	case o.MaxDimension < 0:
		o.MaxDimension = 0 // native size
	}
	if o.PlaybackFormat.SampleRate <= 0 || o.PlaybackFormat.Channels <= 0 {
		o.PlaybackFormat = DefaultPlaybackFormat
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	return o
}

// ── loop messages ─────────────────────────────────────────────────────────────

type micAcquired struct {
	stream  device.AudioStream
	speaker io.WriteCloser
}

type sessionConnected struct{ sess live.Session }

type displayAcquired struct{ stream device.VideoStream }

type shareCmd struct{ reply chan error }

type framePeriodCmd struct{ period time.Duration }

// ── Controller ────────────────────────────────────────────────────────────────

// Controller runs one session. All state lives on a single event-loop
// goroutine; device callbacks, endpoint events, sampler frames, playback
// completions and user commands are serialized through its inbox.
//
// A Controller is single use. Its exported methods are safe for concurrent
// use.
type Controller struct {
	deps    Deps
	opts    Options
	id      string
	metrics *observe.Metrics
	log     *slog.Logger

	inbox  chan any
	notify chan struct{} // coalesced playback changes
	quit   chan struct{} // closed when the loop stops accepting messages
	done   chan struct{} // closed when every resource is released
	ready  chan struct{} // closed when the session opens or ends

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	readyOnce sync.Once

	timeline *playback.Timeline
	sched    *playback.Scheduler
	sampler  *vision.Sampler

	audioOut   chan live.MediaChunk
	imageOut   chan live.MediaChunk
	deliveries chan sink.Message

	dropLog rate.Sometimes

	// Owned by the loop goroutine.
	state        State
	last         Snapshot
	mic          device.AudioStream
	speaker      io.WriteCloser
	sess         live.Session
	display      device.VideoStream
	displayStop  chan struct{}
	shareReply   chan error
	connectStart time.Time
	opened       bool

	mu   sync.Mutex
	snap Snapshot
	err  error
}

// New returns a controller in PhaseIdle.
func New(deps Deps, opts Options) *Controller {
	opts = opts.withDefaults()
	if deps.Sink == nil {
		deps.Sink = &sink.LogSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:       deps,
		opts:       opts,
		id:         id,
		metrics:    deps.Metrics,
		log:        slog.With("session_id", id, "provider", deps.Provider.Name()),
		inbox:      make(chan any, inboxSize),
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		audioOut:   make(chan live.MediaChunk, audioQueueSize),
		imageOut:   make(chan live.MediaChunk, 1),
		deliveries: make(chan sink.Message, deliveryQueueSize),
		dropLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}

	c.timeline = playback.NewTimeline(opts.PlaybackFormat)
	c.sched = playback.NewScheduler(c.timeline,
		playback.WithOnTalking(c.playbackChanged),
		playback.WithOnIdle(c.playbackChanged),
	)
	c.sampler = vision.NewSampler(
		vision.WithQuality(opts.JPEGQuality),
		vision.WithMaxDimension(opts.MaxDimension),
		vision.WithOnDrop(func() { c.metrics.RecordDrop(context.Background(), observe.DropFrameBusy) }),
	)

	c.state.Muted = opts.Muted
	c.last = c.snapshotOf(c.state)
	c.snap = c.last
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Start acquires the microphone, connects to the endpoint and waits until
// the session opens. It returns the failure if the session ends first; a
// denied microphone yields an error wrapping [device.ErrPermission]. If ctx
// ends before the session opens, the session is closed.
func (c *Controller) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() {
		started = true
		go c.loop()
	})
	if !started {
		return ErrAlreadyStarted
	}

	c.post(EvStart{})

	select {
	case <-c.ready:
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}

	if c.Snapshot().Phase == PhaseOpen {
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// SetMuted sets the mute flag. Frames captured while muted are discarded.
func (c *Controller) SetMuted(muted bool) {
	c.post(EvSetMuted{Muted: muted})
}

// StartScreenShare acquires the display and starts sampling it. A failure
// does not end the session; the reason is also published as the snapshot's
// ShareError.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	if c.Snapshot().Phase != PhaseOpen {
		return ErrNotOpen
	}
	reply := make(chan error, 1)
	if !c.post(shareCmd{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopScreenShare stops sampling and releases the display.
func (c *Controller) StopScreenShare() {
	c.post(EvShareStopped{})
}

// SetFramePeriod changes the sampling period, restarting an active sampler.
func (c *Controller) SetFramePeriod(d time.Duration) {
	if d > 0 {
		c.post(framePeriodCmd{period: d})
	}
}

// SetJPEGQuality changes the quality of subsequent frames.
func (c *Controller) SetJPEGQuality(q int) {
	c.sampler.SetQuality(q)
}

// Close ends the session and waits until every resource is released.
// Calling Close more than once, or concurrently with an endpoint close, is
// safe.
func (c *Controller) Close() error {
	neverStarted := false
	c.startOnce.Do(func() {
		neverStarted = true
	})
	if neverStarted {
		c.closeUnstarted()
		return nil
	}
	c.post(EvClose{})
	<-c.done
	return nil
}

// Snapshot returns the current externally visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// ActivePlayback returns the number of model audio buffers still scheduled
// on the playback clock.
func (c *Controller) ActivePlayback() int { return c.timeline.Active() }

// Done is closed once the session has ended and released its resources.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the session, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// post hands msg to the event loop. It reports false once the loop has
// stopped.
func (c *Controller) post(msg any) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.inbox <- msg:
		return true
	case <-c.quit:
		return false
	}
}

// playbackChanged is called by the scheduler, possibly from the event loop
// itself, so it never blocks.
func (c *Controller) playbackChanged() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// ── event loop ────────────────────────────────────────────────────────────────

func (c *Controller) loop() {
	defer c.finish()
	c.startDeliveries()
	for !c.state.TornDown {
		select {
		case msg := <-c.inbox:
			c.handle(msg)
		case <-c.notify:
			c.dispatch(EvPlaybackChanged{Pending: c.sched.Pending()})
		}
	}
}

func (c *Controller) finish() {
	close(c.quit)
	c.cancel()
	c.wg.Wait()
	c.releaseQueued()
	c.log.Info("voice: session ended", "phase", c.state.Phase.String())
	close(c.done)
}

// releaseQueued closes handles that reached the inbox after teardown. Every
// producer has exited by now, so the inbox only shrinks.
func (c *Controller) releaseQueued() {
	for {
		select {
		case msg := <-c.inbox:
			switch m := msg.(type) {
			case micAcquired:
				if err := m.stream.Close(); err != nil {
					c.log.Warn("voice: release microphone", "err", err)
				}
				if m.speaker != nil {
					if err := m.speaker.Close(); err != nil {
						c.log.Warn("voice: release speaker", "err", err)
					}
				}
			case sessionConnected:
				if err := m.sess.Close(); err != nil {
					c.log.Warn("voice: close endpoint", "err", err)
				}
			case displayAcquired:
				if err := m.stream.Close(); err != nil {
					c.log.Warn("voice: release display", "err", err)
				}
			case shareCmd:
				m.reply <- ErrClosed
			}
		default:
			return
		}
	}
}

func (c *Controller) closeUnstarted() {
	c.state, _ = Transition(c.state, EvClose{})
	c.publish()
	close(c.quit)
	c.cancel()
	_ = c.sched.Close()
	close(c.deliveries)
	close(c.done)
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case micAcquired:
		c.mic = m.stream
		c.speaker = m.speaker
		c.startPump()
		c.dispatch(EvMicReady{})

	case sessionConnected:
		c.sess = m.sess
		c.startEndpoint()
		c.startSenders()

	case displayAcquired:
		c.display = m.stream
		c.dispatch(EvShareReady{})
		c.replyShare(nil)

	case EvShareFailed:
		c.dispatch(m)
		c.replyShare(m.Err)

	case shareCmd:
		if c.shareReply != nil {
			m.reply <- errors.New("voice: screen share already being acquired")
			return
		}
		c.dispatch(EvShareRequested{})
		switch {
		case c.state.ShareRequested:
			c.shareReply = m.reply
		case c.state.Screen:
			m.reply <- nil
		default:
			m.reply <- ErrNotOpen
		}

	case framePeriodCmd:
		c.opts.FramePeriod = m.period
		if c.state.Screen && c.display != nil {
			c.sampler.Start(c.display, c.opts.FramePeriod, c.onFrame)
		}

	case Event:
		c.dispatch(m)
	}
}

// dispatch runs ev and every follow-up event produced by effects through
// the state machine, then publishes the resulting snapshot.
func (c *Controller) dispatch(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		prev := c.state
		next, effs := Transition(c.state, ev)
		c.state = next
		if prev.Phase != PhaseOpen && next.Phase == PhaseOpen {
			c.onOpened()
		}
		for _, eff := range effs {
			if follow := c.execute(eff); follow != nil {
				queue = append(queue, follow)
			}
		}
	}
	c.publish()
}

func (c *Controller) onOpened() {
	c.opened = true
	c.metrics.ActiveSessions.Add(c.ctx, 1)
	c.metrics.ConnectDuration.Record(c.ctx, time.Since(c.connectStart).Seconds())
	c.log.Info("voice: session open")
}

// publish stores the snapshot and notifies observers when it changed.
func (c *Controller) publish() {
	snap := c.snapshotOf(c.state)
	if snap.Phase == PhaseOpen || snap.Phase.Terminal() {
		c.readyOnce.Do(func() { close(c.ready) })
	}
	if snap == c.last {
		return
	}
	c.last = snap
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	for _, o := range c.deps.Observers {
		o.OnState(snap)
	}
}

func (c *Controller) snapshotOf(s State) Snapshot {
	return Snapshot{
		SessionID:     c.id,
		Phase:         s.Phase,
		PhaseName:     s.Phase.String(),
		Expression:    s.Expression(),
		Talking:       s.Pending > 0,
		Listening:     s.Capturing,
		Muted:         s.Muted,
		ScreenSharing: s.Screen,
		ShareError:    s.ShareErr,
		Error:         s.ErrText,
	}
}

func (c *Controller) replyShare(err error) {
	if c.shareReply == nil {
		return
	}
	c.shareReply <- err
	c.shareReply = nil
}

// ── effects ───────────────────────────────────────────────────────────────────

// execute performs eff and returns an optional follow-up event.
func (c *Controller) execute(eff Effect) Event {
	switch e := eff.(type) {
	case EffAcquireMic:
		c.goAcquireMic()

	case EffConnect:
		c.goConnect()

	case EffStartCapture:
		c.startCapture()

	case EffSendAudio:
		c.sendAudio(e)

	case EffDrop:
		c.metrics.RecordDrop(c.ctx, e.Reason)

	case EffAcquireDisplay:
		c.goAcquireDisplay()

	case EffStartSampler:
		c.startSampler()

	case EffStopScreen:
		c.stopScreen()

	case EffSendImage:
		chunk := live.MediaChunk{Data: e.Frame.Data, MIMEType: e.Frame.MIMEType}
		select {
		case c.imageOut <- chunk:
		default:
			c.metrics.RecordDrop(c.ctx, observe.DropFrameBusy)
		}

	case EffPlay:
		return c.play(e)

	case EffInterruptPlayback:
		n := c.sched.InterruptAll()
		c.metrics.Interruptions.Add(c.ctx, 1)
		c.log.Debug("voice: interrupted", "stopped", n)

	case EffDeliver:
		select {
		case c.deliveries <- sink.NewMessage(c.id, e.Role, e.Content):
		default:
			c.metrics.RecordMessage(c.ctx, string(e.Role), "dropped")
			c.log.Warn("voice: sink backlog full, dropping message", "role", string(e.Role))
		}

	case EffLogError:
		c.mu.Lock()
		if c.err == nil {
			c.err = e.Err
		}
		c.mu.Unlock()
		c.metrics.RecordProviderError(c.ctx, c.deps.Provider.Name(), errorKind(e.Err))
		c.log.Error("voice: session failed", "err", e.Err)

	case EffTeardown:
		c.teardown()
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, device.ErrPermission):
		return "permission"
	case errors.Is(err, device.ErrUnavailable):
		return "device"
	default:
		return "transport"
	}
}

func (c *Controller) goAcquireMic() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		stream, err := c.deps.Microphone.Open(c.ctx)
		if err != nil {
			c.post(EvMicFailed{Err: err})
			return
		}

		var speaker io.WriteCloser
		if c.deps.Speaker != nil {
			speaker, err = c.deps.Speaker.Open(c.ctx, c.timeline.Format())
			if err != nil {
				c.log.Warn("voice: speaker unavailable, playback is silent", "err", err)
				speaker = nil
			}
		}

		if !c.post(micAcquired{stream: stream, speaker: speaker}) {
			_ = stream.Close()
			if speaker != nil {
				_ = speaker.Close()
			}
		}
	}()
}

func (c *Controller) goConnect() {
	cfg := live.SessionConfig{
		Model:               c.opts.Model,
		Instructions:        c.opts.Instructions,
		Voice:               c.opts.Voice,
		InputTranscription:  true,
		OutputTranscription: true,
	}
	c.connectStart = time.Now()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
		defer cancel()

		ctx, span := observe.StartSpan(ctx, "voice.connect",
			trace.WithAttributes(
				attribute.String("provider", c.deps.Provider.Name()),
				attribute.String("session_id", c.id),
			),
		)
		sess, err := c.deps.Provider.Connect(ctx, cfg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			observe.Logger(ctx).Debug("voice: connect failed", "session_id", c.id, "err", err)
			c.post(EvConnectFailed{Err: err})
			return
		}
		observe.Logger(ctx).Debug("voice: endpoint connected", "session_id", c.id)
		span.End()

		if !c.post(sessionConnected{sess: sess}) {
			_ = sess.Close()
		}
	}()
}

// startEndpoint translates endpoint events into state machine events until
// the endpoint stream ends.
func (c *Controller) startEndpoint() {
	sess := c.sess
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range sess.Events() {
			var out Event
			switch ev.Kind {
			case live.EventOpen:
				out = EvOpen{}
			case live.EventAudioDelta:
				c.metrics.ChunksReceived.Add(c.ctx, 1)
				out = EvAudioDelta{Audio: ev.Audio, SampleRate: ev.SampleRate}
			case live.EventInputTranscript:
				out = EvInputTranscript{Text: ev.Text}
			case live.EventOutputTranscript:
				out = EvOutputTranscript{Text: ev.Text}
			case live.EventTurnComplete:
				out = EvTurnComplete{}
			case live.EventInterrupted:
				out = EvInterrupted{}
			case live.EventError:
				out = EvEndpointError{Err: errorOr(ev.Err, "endpoint error")}
			case live.EventClose:
				out = EvEndpointClosed{Err: ev.Err}
			default:
				continue
			}
			if !c.post(out) {
				// The loop is gone; let the endpoint finish its close.
				audio.Drain(sess.Events())
				return
			}
		}
	}()
}

// startSenders runs the two transmit paths. Audio is sent strictly in
// capture order; images travel separately so they never delay audio.
func (c *Controller) startSenders() {
	sess := c.sess
	send := func(ch <-chan live.MediaChunk, kind string) {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case chunk := <-ch:
				if err := sess.SendRealtime(chunk); err != nil {
					if errors.Is(err, live.ErrSessionClosed) {
						return
					}
					c.metrics.RecordDrop(c.ctx, observe.DropSendFailed)
					c.dropLog.Do(func() {
						c.log.Warn("voice: send failed", "kind", kind, "err", err)
					})
					continue
				}
				c.metrics.RecordChunkSent(c.ctx, kind)
			}
		}
	}
	c.wg.Add(2)
	go send(c.audioOut, "audio")
	go send(c.imageOut, "image")
}

func (c *Controller) startCapture() {
	mic := c.mic
	sr := mic.SampleRate()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for samples := range mic.Frames() {
			if !c.post(EvAudioCaptured{Samples: samples, SampleRate: sr}) {
				return
			}
		}
		c.post(EvMicEnded{})
	}()
}

func (c *Controller) sendAudio(e EffSendAudio) {
	chunk, err := audio.EncodeOutbound(e.Samples, e.SampleRate)
	if err != nil {
		c.metrics.RecordDrop(c.ctx, observe.DropFormat)
		c.dropLog.Do(func() { c.log.Warn("voice: dropping microphone frame", "err", err) })
		return
	}
	select {
	case c.audioOut <- live.MediaChunk{Data: chunk.Data, MIMEType: chunk.MIMEType}:
	default:
		c.metrics.RecordDrop(c.ctx, observe.DropBacklog)
		c.dropLog.Do(func() { c.log.Warn("voice: send backlog full, dropping microphone frame") })
	}
}

// play decodes and schedules one chunk of model audio. A bad chunk is
// dropped on its own.
func (c *Controller) play(e EffPlay) Event {
	pcm, err := audio.DecodeInbound(e.Audio)
	if err != nil {
		c.metrics.RecordDrop(c.ctx, observe.DropDecode)
		c.dropLog.Do(func() { c.log.Warn("voice: dropping audio chunk", "err", err) })
		return nil
	}
	sr := e.SampleRate
	if sr <= 0 {
		sr = audio.InboundSampleRate
	}
	buf, err := audio.ToPlayableBuffer(pcm, c.sched.Format(), sr, audio.WireChannels)
	if err != nil {
		c.metrics.RecordDrop(c.ctx, observe.DropFormat)
		c.dropLog.Do(func() { c.log.Warn("voice: dropping audio chunk", "err", err) })
		return nil
	}
	_, start, err := c.sched.Enqueue(buf)
	if err != nil {
		c.log.Debug("voice: enqueue rejected", "err", err)
		return nil
	}
	c.metrics.PlaybackLead.Record(c.ctx, (start - c.timeline.Now()).Seconds())
	return EvPlaybackChanged{Pending: c.sched.Pending()}
}

// startPump drives the playback clock into the speaker. If the speaker
// fails the clock keeps running into a discard writer so scheduled buffers
// still complete.
func (c *Controller) startPump() {
	w := c.speaker
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if w != nil {
			err := c.timeline.Pump(c.ctx, w)
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("voice: speaker failed, playback is silent", "err", err)
		}
		_ = c.timeline.Pump(c.ctx, io.Discard)
	}()
}

func (c *Controller) goAcquireDisplay() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.deps.Display == nil {
			c.post(EvShareFailed{Err: device.ErrUnavailable})
			return
		}
		stream, err := c.deps.Display.Open(c.ctx)
		if err != nil {
			c.log.Warn("voice: screen share failed", "err", err)
			c.post(EvShareFailed{Err: err, Permission: errors.Is(err, device.ErrPermission)})
			return
		}
		if !c.post(displayAcquired{stream: stream}) {
			_ = stream.Close()
		}
	}()
}

func (c *Controller) startSampler() {
	display := c.display
	if display == nil {
		return
	}
	stop := make(chan struct{})
	c.displayStop = stop
	c.sampler.Start(display, c.opts.FramePeriod, c.onFrame)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-display.Ended():
			c.post(EvScreenEnded{})
		case <-stop:
		}
	}()
}

// onFrame runs on the sampler goroutine. A frame that finds the inbox full
// is dropped rather than delaying the next tick.
func (c *Controller) onFrame(f vision.Frame) {
	select {
	case c.inbox <- EvFrame{Frame: f}:
	case <-c.quit:
	default:
		c.metrics.RecordDrop(context.Background(), observe.DropFrameBusy)
	}
}

func (c *Controller) stopScreen() {
	c.sampler.Stop()
	if c.displayStop != nil {
		close(c.displayStop)
		c.displayStop = nil
	}
	if c.display != nil {
		if err := c.display.Close(); err != nil {
			c.log.Warn("voice: release display", "err", err)
		}
		c.display = nil
	}
}

// teardown releases every resource. The state machine guarantees it runs
// once.
func (c *Controller) teardown() {
	c.stopScreen()

	if c.mic != nil {
		if err := c.mic.Close(); err != nil {
			c.log.Warn("voice: release microphone", "err", err)
		}
		c.mic = nil
	}

	c.sched.InterruptAll()
	_ = c.sched.Close()

	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			c.log.Warn("voice: close endpoint", "err", err)
		}
	}

	// Stops the pump, senders and pending acquisitions.
	c.cancel()

	if c.speaker != nil {
		if err := c.speaker.Close(); err != nil {
			c.log.Warn("voice: release speaker", "err", err)
		}
		c.speaker = nil
	}

	c.replyShare(ErrClosed)
	close(c.deliveries)

	if c.opened {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// startDeliveries hands finalized messages to the sink in order. It drains
// the queue after teardown so the last turn is not lost.
func (c *Controller) startDeliveries() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range c.deliveries {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			err := c.deps.Sink.Deliver(ctx, msg)
			cancel()
			status := "ok"
			if err != nil {
				status = "error"
				c.log.Warn("voice: deliver message", "role", string(msg.Role), "err", err)
			}
			c.metrics.RecordMessage(context.Background(), string(msg.Role), status)
		}
	}()
}
