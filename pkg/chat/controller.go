package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sensei/pkg/notify"
	"github.com/go-go-golems/sensei/pkg/threads"
)

// State is the controller's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateFinalizing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// DefaultFlushDelay is how long answer chunks coalesce before the visible
// turn is updated.
const DefaultFlushDelay = 150 * time.Millisecond

const transportErrorNotice = "An error occurred"

type ControllerConfig struct {
	ThreadID string
	UserID   string
	Dial     Dialer
	// Index receives the ThreadSummary once the backend confirms identity.
	Index *threads.Index
	// Bus carries reconcile signals and user-visible notices; optional.
	Bus *notify.Bus
	// Log is the conversation log to stream into; created when nil.
	Log *ConversationLog
	// OnCanonicalURL is invoked when the thread's durable slug is known.
	OnCanonicalURL func(slug string)
	FlushDelay     time.Duration
	BaseCtx        context.Context
}

// Controller owns one logical ask at a time: it opens a channel, applies the
// session's events to the current turn, and finalizes the turn when the
// channel ends. Opening a new ask always closes the previous channel first;
// late callbacks from a replaced session detect staleness and no-op.
type Controller struct {
	threadID       string
	userID         string
	dial           Dialer
	index          *threads.Index
	bus            *notify.Bus
	clog           *ConversationLog
	onCanonicalURL func(string)
	flushDelay     time.Duration
	baseCtx        context.Context

	mu                  sync.Mutex
	state               State
	session             uint64
	lastAcceptedQueryID string
	channel             Channel
	flush               *pendingFlush
	answerBuf           strings.Builder
	suggestions         []string
	identitySlug        string
	done                chan struct{}
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Dial == nil {
		return nil, errors.New("chat: controller dialer is nil")
	}
	if strings.TrimSpace(cfg.ThreadID) == "" {
		return nil, errors.New("chat: controller thread id is empty")
	}
	clog := cfg.Log
	if clog == nil {
		clog = NewConversationLog()
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Controller{
		threadID:       cfg.ThreadID,
		userID:         cfg.UserID,
		dial:           cfg.Dial,
		index:          cfg.Index,
		bus:            cfg.Bus,
		clog:           clog,
		onCanonicalURL: cfg.OnCanonicalURL,
		flushDelay:     flushDelay,
		baseCtx:        baseCtx,
		state:          StateIdle,
	}, nil
}

// Ask accepts a new query. Re-delivery of the most recently accepted queryID
// is suppressed as a no-op. The pending turn is appended to the log before
// the channel is dialed, so observers see it without waiting on the network.
func (c *Controller) Ask(ctx context.Context, query, queryID string) error {
	if c == nil {
		return errors.New("chat: controller is nil")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.New("chat: query is empty")
	}
	if queryID == "" {
		queryID = NewQueryID()
	}
	if ctx == nil {
		ctx = c.baseCtx
	}

	c.mu.Lock()
	if queryID == c.lastAcceptedQueryID {
		c.mu.Unlock()
		log.Debug().Str("component", "chat").Str("query_id", queryID).Msg("duplicate submission suppressed")
		return nil
	}
	// Retire the prior session first: force its buffered answer out and
	// release its channel while its turn is still the last one.
	c.retireLocked()

	c.lastAcceptedQueryID = queryID
	c.suggestions = nil
	c.identitySlug = ""
	c.session++
	seq := c.session
	c.state = StateConnecting
	c.done = make(chan struct{})
	c.flush = newPendingFlush(c.flushDelay)
	c.mu.Unlock()

	c.clog.Append(Turn{ID: queryID, Query: query})
	log.Info().Str("component", "chat").Str("thread_id", c.threadID).Str("query_id", queryID).Msg("query accepted")

	go c.connect(ctx, seq, query)
	return nil
}

func (c *Controller) connect(ctx context.Context, seq uint64, query string) {
	ch, err := c.dial(ctx)
	if err != nil {
		c.fail(seq, errors.Wrap(err, "chat: open channel"), transportErrorNotice)
		return
	}

	c.mu.Lock()
	if seq != c.session {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.channel = ch
	c.state = StateActive
	ask := Ask{ThreadID: c.threadID, Query: query, UserID: c.userID}
	c.mu.Unlock()

	if err := ch.Send(ask); err != nil {
		c.fail(seq, err, transportErrorNotice)
		return
	}

	for ev := range ch.Events() {
		c.apply(seq, ev)
	}
}

// apply dispatches one channel event onto the current turn. Events from a
// replaced or closed session are ignored.
func (c *Controller) apply(seq uint64, ev Event) {
	if c == nil || ev == nil {
		return
	}
	c.mu.Lock()
	if seq != c.session {
		c.mu.Unlock()
		log.Debug().Str("component", "chat").Str("event", ev.eventName()).Msg("ignoring stale session event")
		return
	}

	switch e := ev.(type) {
	// Turn mutations stay under c.mu so the staleness check and the write
	// are atomic with respect to a superseding Ask.
	case SourcesEvent:
		sources := append([]WebSource{}, e.Sources...)
		c.clog.MutateLast(func(t *Turn) { t.Sources = sources })
		c.mu.Unlock()
	case MetadataEvent:
		metadata := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			metadata[k] = v
		}
		c.clog.MutateLast(func(t *Turn) { t.Metadata = metadata })
		c.mu.Unlock()
	case MediaEvent:
		media := append([]Medium{}, e.Media...)
		c.clog.MutateLast(func(t *Turn) { t.Media = media })
		c.mu.Unlock()
	case AnswerChunkEvent:
		c.answerBuf.WriteString(e.Chunk)
		flush := c.flush
		c.mu.Unlock()
		flush.Schedule(func() { c.flushAnswer(seq) })
	case RelatedQuestionsEvent:
		c.suggestions = append([]string{}, e.Questions...)
		c.mu.Unlock()
	case ThreadIdentityEvent:
		c.applyThreadIdentityLocked(e)
	case CloseEvent:
		c.finalizeLocked()
	case TransportErrorEvent:
		c.mu.Unlock()
		c.fail(seq, e.Err, transportErrorNotice)
	case AppErrorEvent:
		c.mu.Unlock()
		c.fail(seq, errors.New(e.Message), e.Message)
	default:
		c.mu.Unlock()
		log.Debug().Str("component", "chat").Str("event", ev.eventName()).Msg("skipping unhandled event")
	}
}

// flushAnswer moves buffered chunks into the visible turn.
func (c *Controller) flushAnswer(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.session {
		return
	}
	c.drainAnswerLocked()
}

func (c *Controller) drainAnswerLocked() {
	if c.answerBuf.Len() == 0 {
		return
	}
	chunk := c.answerBuf.String()
	c.answerBuf.Reset()
	c.clog.MutateLast(func(t *Turn) {
		if t.Answer == nil {
			t.Answer = &chunk
			return
		}
		joined := *t.Answer + chunk
		t.Answer = &joined
	})
}

// applyThreadIdentityLocked persists the thread summary the moment the
// backend confirms durable identity, then signals the aggregator and the
// canonical URL hook. Called with c.mu held; releases it.
func (c *Controller) applyThreadIdentityLocked(e ThreadIdentityEvent) {
	firstApplication := c.identitySlug != e.Slug
	c.identitySlug = e.Slug
	c.mu.Unlock()

	if firstApplication && c.index != nil {
		if _, ok, err := c.index.FindBySlug(c.baseCtx, e.Slug); err != nil {
			log.Error().Err(err).Str("component", "chat").Str("slug", e.Slug).Msg("thread identity lookup failed")
		} else if !ok {
			entry := threads.ThreadSummary{
				ID:          c.threadID,
				CreatedAt:   e.CreatedAt,
				Slug:        e.Slug,
				DisplayName: e.Name,
			}
			if err := c.index.Insert(c.baseCtx, entry); err != nil {
				log.Error().Err(err).Str("component", "chat").Str("slug", e.Slug).Msg("thread identity persist failed")
			}
		}
	}
	if c.bus != nil {
		if err := c.bus.PublishThreadUpdate(c.baseCtx, notify.ThreadUpdate{
			ThreadID:  c.threadID,
			Slug:      e.Slug,
			CreatedAt: e.CreatedAt,
		}); err != nil {
			log.Warn().Err(err).Str("component", "chat").Msg("thread update publish failed")
		}
	}
	if c.onCanonicalURL != nil {
		c.onCanonicalURL(e.Slug)
	}
}

// finalizeLocked handles the normal close: force the trailing answer flush,
// clear buffers, release the channel. Called with c.mu held; releases it.
func (c *Controller) finalizeLocked() {
	if c.state == StateClosed || c.state == StateErrored {
		c.mu.Unlock()
		return
	}
	c.state = StateFinalizing
	if c.flush != nil {
		c.flush.Cancel()
	}
	c.drainAnswerLocked()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	c.state = StateClosed
	c.closeDoneLocked()
	c.mu.Unlock()

	log.Info().Str("component", "chat").Str("thread_id", c.threadID).Msg("session closed")
}

// fail moves the session to Errored. A turn that has not shown any sources
// yet is withdrawn; one with partial results stays as-is. The user-facing
// message is surfaced exactly once per occurrence.
func (c *Controller) fail(seq uint64, cause error, userMsg string) {
	c.mu.Lock()
	if seq != c.session || c.state == StateErrored || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.flush != nil {
		c.flush.Cancel()
	}
	c.drainAnswerLocked()
	if last, ok := c.clog.Last(); ok && last.ID == c.lastAcceptedQueryID && last.Sources == nil {
		_, _ = c.clog.DropLast()
	}
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	c.state = StateErrored
	c.closeDoneLocked()
	c.mu.Unlock()

	log.Error().Err(cause).Str("component", "chat").Str("thread_id", c.threadID).Msg("channel session failed")
	if c.bus != nil {
		if err := c.bus.PublishNotice(c.baseCtx, notify.Notice{Level: "error", Message: userMsg}); err != nil {
			log.Warn().Err(err).Str("component", "chat").Msg("notice publish failed")
		}
	}
}

// retireLocked supersedes the current session before a new ask: trailing
// buffered chunks are flushed into its turn, the channel is released, and
// waiters are unblocked.
func (c *Controller) retireLocked() {
	if c.flush != nil {
		c.flush.Cancel()
	}
	c.drainAnswerLocked()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.state == StateConnecting || c.state == StateActive || c.state == StateFinalizing {
		c.state = StateClosed
	}
	c.closeDoneLocked()
}

// Close releases the session on navigation away: the channel is closed and
// any pending debounced flush is cancelled, on every exit path.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.flush != nil {
		c.flush.Cancel()
	}
	c.answerBuf.Reset()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.state != StateErrored {
		c.state = StateClosed
	}
	c.session++
	c.closeDoneLocked()
	c.mu.Unlock()
}

func (c *Controller) State() State {
	if c == nil {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether an ask is in flight.
func (c *Controller) Busy() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnecting || c.state == StateActive || c.state == StateFinalizing
}

// Suggestions returns the session-scoped related questions.
func (c *Controller) Suggestions() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.suggestions...)
}

func (c *Controller) Log() *ConversationLog {
	if c == nil {
		return nil
	}
	return c.clog
}

// Wait returns a channel closed when the current session reaches Closed or
// Errored. With no session started it is already closed.
func (c *Controller) Wait() <-chan struct{} {
	closed := make(chan struct{})
	if c == nil {
		close(closed)
		return closed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		close(closed)
		return closed
	}
	return c.done
}

// closeDoneLocked releases waiters exactly once per session. Must be called
// with c.mu held; nilling the field makes a concurrent second close a no-op.
func (c *Controller) closeDoneLocked() {
	if c.done == nil {
		return
	}
	close(c.done)
	c.done = nil
}
