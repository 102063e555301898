package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sensei/pkg/notify"
	"github.com/go-go-golems/sensei/pkg/store"
	"github.com/go-go-golems/sensei/pkg/threads"
)

type fakeChannel struct {
	mu       sync.Mutex
	asks     []Ask
	askCh    chan Ask
	events   chan Event
	endOnce  sync.Once
	closures int32
}

func newFakeChannel() *fakeChannel {
	return newFakeChannelBuf(32)
}

// newFakeChannelBuf with buf 0 makes emit block until the session loop has
// taken the event, which lets tests sequence applies deterministically.
func newFakeChannelBuf(buf int) *fakeChannel {
	return &fakeChannel{
		askCh:  make(chan Ask, 4),
		events: make(chan Event, buf),
	}
}

func (f *fakeChannel) Send(a Ask) error {
	f.mu.Lock()
	f.asks = append(f.asks, a)
	f.mu.Unlock()
	f.askCh <- a
	return nil
}

func (f *fakeChannel) Events() <-chan Event { return f.events }

// Close only records the closure; the test owns the event stream's end so it
// can still emit late events at a retired session.
func (f *fakeChannel) Close() error {
	atomic.AddInt32(&f.closures, 1)
	return nil
}

func (f *fakeChannel) emit(ev Event)  { f.events <- ev }
func (f *fakeChannel) end()           { f.endOnce.Do(func() { close(f.events) }) }
func (f *fakeChannel) closed() bool   { return atomic.LoadInt32(&f.closures) > 0 }

func dialerFor(chs ...*fakeChannel) Dialer {
	var next int32
	return func(ctx context.Context) (Channel, error) {
		n := atomic.AddInt32(&next, 1)
		return chs[n-1], nil
	}
}

func waitAsk(t *testing.T, f *fakeChannel) Ask {
	t.Helper()
	select {
	case a := <-f.askCh:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ask to reach the channel")
		return Ask{}
	}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to settle")
	}
}

func newTestController(t *testing.T, dial Dialer, mutate func(*ControllerConfig)) *Controller {
	t.Helper()
	cfg := ControllerConfig{
		ThreadID:   "thread-1",
		UserID:     "user-1",
		Dial:       dial,
		FlushDelay: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestAskSendsThreadAndUser(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	c := newTestController(t, dialerFor(ch), nil)

	require.NoError(t, c.Ask(context.Background(), "what is a quasar", "q1"))

	ask := waitAsk(t, ch)
	require.Equal(t, "thread-1", ask.ThreadID)
	require.Equal(t, "what is a quasar", ask.Query)
	require.Equal(t, "user-1", ask.UserID)

	turns := c.Log().Turns()
	require.Len(t, turns, 1)
	require.Equal(t, "q1", turns[0].ID)
	require.Equal(t, "what is a quasar", turns[0].Query)
	require.Nil(t, turns[0].Answer)
}

func TestDuplicateQueryIDSuppressed(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	c := newTestController(t, dialerFor(ch), nil)

	require.NoError(t, c.Ask(context.Background(), "hello", "q1"))
	waitAsk(t, ch)
	require.NoError(t, c.Ask(context.Background(), "hello", "q1"))

	require.Equal(t, 1, c.Log().Len())
	select {
	case <-ch.askCh:
		t.Fatal("duplicate submission reached the channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnswerChunksCoalesceOnClose(t *testing.T) {
	ch := newFakeChannel()
	c := newTestController(t, dialerFor(ch), nil)

	require.NoError(t, c.Ask(context.Background(), "greet", "q1"))
	waitAsk(t, ch)

	ch.emit(AnswerChunkEvent{Chunk: "Hel"})
	ch.emit(AnswerChunkEvent{Chunk: "lo"})
	ch.emit(AnswerChunkEvent{Chunk: " world"})
	ch.emit(CloseEvent{})
	ch.end()

	waitDone(t, c)
	require.Equal(t, StateClosed, c.State())
	require.False(t, c.Busy())

	turns := c.Log().Turns()
	require.Len(t, turns, 1)
	require.NotNil(t, turns[0].Answer)
	require.Equal(t, "Hello world", *turns[0].Answer)
	require.True(t, ch.closed())
}

func TestAnswerFlushAfterDelay(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	c := newTestController(t, dialerFor(ch), func(cfg *ControllerConfig) {
		cfg.FlushDelay = 10 * time.Millisecond
	})

	require.NoError(t, c.Ask(context.Background(), "greet", "q1"))
	waitAsk(t, ch)
	ch.emit(AnswerChunkEvent{Chunk: "partial"})

	require.Eventually(t, func() bool {
		last, ok := c.Log().Last()
		return ok && last.Answer != nil && *last.Answer == "partial"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateActive, c.State())
}

func TestErrorBeforeSourcesWithdrawsTurn(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	bus := notify.NewInMemoryBus()
	notices, err := bus.SubscribeNotices(context.Background())
	require.NoError(t, err)

	c := newTestController(t, dialerFor(ch), func(cfg *ControllerConfig) {
		cfg.Bus = bus
	})

	require.NoError(t, c.Ask(context.Background(), "doomed", "q1"))
	waitAsk(t, ch)
	ch.emit(AppErrorEvent{Message: "backend unavailable"})

	waitDone(t, c)
	require.Equal(t, StateErrored, c.State())
	require.Equal(t, 0, c.Log().Len())

	select {
	case n := <-notices:
		require.Equal(t, "backend unavailable", n.Message)
		require.Equal(t, "error", n.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error notice")
	}
}

func TestErrorAfterSourcesKeepsTurn(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	c := newTestController(t, dialerFor(ch), nil)

	require.NoError(t, c.Ask(context.Background(), "flaky", "q1"))
	waitAsk(t, ch)

	ch.emit(SourcesEvent{Sources: []WebSource{{Index: 1, Title: "Quasars", URL: "https://example.com/q"}}})
	ch.emit(AnswerChunkEvent{Chunk: "Quasars are"})
	ch.emit(TransportErrorEvent{Err: context.Canceled})

	waitDone(t, c)
	require.Equal(t, StateErrored, c.State())

	turns := c.Log().Turns()
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Sources, 1)
	require.NotNil(t, turns[0].Answer)
	require.Equal(t, "Quasars are", *turns[0].Answer)
}

func TestSupersedingAskFlushesPriorAnswer(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	defer ch1.end()
	defer ch2.end()
	c := newTestController(t, dialerFor(ch1, ch2), nil)

	require.NoError(t, c.Ask(context.Background(), "first", "q1"))
	waitAsk(t, ch1)
	ch1.emit(SourcesEvent{Sources: []WebSource{{Index: 1, Title: "a", URL: "https://a"}}})
	ch1.emit(AnswerChunkEvent{Chunk: "buffered tail"})
	// Events apply in order, so once the sentinel is visible the chunk is
	// staged.
	ch1.emit(RelatedQuestionsEvent{Questions: []string{"sentinel"}})
	require.Eventually(t, func() bool {
		return len(c.Suggestions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Ask(context.Background(), "second", "q2"))
	waitAsk(t, ch2)
	require.True(t, ch1.closed())

	turns := c.Log().Turns()
	require.Len(t, turns, 2)
	require.NotNil(t, turns[0].Answer)
	require.Equal(t, "buffered tail", *turns[0].Answer)
	require.Equal(t, "q2", turns[1].ID)
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	defer ch1.end()
	defer ch2.end()
	c := newTestController(t, dialerFor(ch1, ch2), nil)

	require.NoError(t, c.Ask(context.Background(), "first", "q1"))
	waitAsk(t, ch1)
	require.NoError(t, c.Ask(context.Background(), "second", "q2"))
	waitAsk(t, ch2)

	ch1.emit(SourcesEvent{Sources: []WebSource{{Index: 9, Title: "stale", URL: "https://stale"}}})
	ch1.emit(AnswerChunkEvent{Chunk: "stale text"})
	ch2.emit(CloseEvent{})

	waitDone(t, c)
	turns := c.Log().Turns()
	require.Len(t, turns, 2)
	require.Nil(t, turns[1].Sources)
	require.Nil(t, turns[1].Answer)
}

func TestRelatedQuestionsReplaceAndReset(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	defer ch1.end()
	defer ch2.end()
	c := newTestController(t, dialerFor(ch1, ch2), nil)

	require.NoError(t, c.Ask(context.Background(), "first", "q1"))
	waitAsk(t, ch1)
	ch1.emit(RelatedQuestionsEvent{Questions: []string{"one"}})
	ch1.emit(RelatedQuestionsEvent{Questions: []string{"two", "three"}})
	ch1.emit(CloseEvent{})
	waitDone(t, c)
	require.Equal(t, []string{"two", "three"}, c.Suggestions())

	require.NoError(t, c.Ask(context.Background(), "second", "q2"))
	waitAsk(t, ch2)
	require.Empty(t, c.Suggestions())
}

func TestThreadIdentityPersistsOnceAndNotifies(t *testing.T) {
	ch := newFakeChannel()
	bus := notify.NewInMemoryBus()
	updates, err := bus.SubscribeThreadUpdates(context.Background())
	require.NoError(t, err)

	ix, err := threads.NewIndex(store.NewMemoryBackend())
	require.NoError(t, err)

	var slugMu sync.Mutex
	var slugs []string

	c := newTestController(t, dialerFor(ch), func(cfg *ControllerConfig) {
		cfg.Index = ix
		cfg.Bus = bus
		cfg.OnCanonicalURL = func(slug string) {
			slugMu.Lock()
			slugs = append(slugs, slug)
			slugMu.Unlock()
		}
	})

	require.NoError(t, c.Ask(context.Background(), "name me", "q1"))
	waitAsk(t, ch)

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	identity := ThreadIdentityEvent{CreatedAt: created, Slug: "quasar-basics", Name: "Quasar basics"}
	ch.emit(identity)
	ch.emit(identity)
	ch.emit(CloseEvent{})
	ch.end()
	waitDone(t, c)

	entries, err := ix.All(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "thread-1", entries[0].ID)
	require.Equal(t, "quasar-basics", entries[0].Slug)
	require.Equal(t, "Quasar basics", entries[0].DisplayName)
	require.True(t, created.Equal(entries[0].CreatedAt))

	select {
	case u := <-updates:
		require.Equal(t, "thread-1", u.ThreadID)
		require.Equal(t, "quasar-basics", u.Slug)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for thread update")
	}

	slugMu.Lock()
	defer slugMu.Unlock()
	require.NotEmpty(t, slugs)
	require.Equal(t, "quasar-basics", slugs[0])
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	c := newTestController(t, dialerFor(ch), nil)

	require.NoError(t, c.Ask(context.Background(), "abandoned", "q1"))
	waitAsk(t, ch)
	ch.emit(AnswerChunkEvent{Chunk: "never shown"})

	// Give the chunk time to reach the staging buffer.
	time.Sleep(50 * time.Millisecond)
	c.Close()

	require.Equal(t, StateClosed, c.State())
	require.True(t, ch.closed())
	last, ok := c.Log().Last()
	require.True(t, ok)
	require.Nil(t, last.Answer)
}

func TestAskAfterCloseStartsFreshSession(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	defer ch1.end()
	defer ch2.end()
	c := newTestController(t, dialerFor(ch1, ch2), nil)

	require.NoError(t, c.Ask(context.Background(), "first", "q1"))
	waitAsk(t, ch1)
	c.Close()

	require.NoError(t, c.Ask(context.Background(), "second", "q2"))
	ask := waitAsk(t, ch2)
	require.Equal(t, "second", ask.Query)
	require.Equal(t, StateActive, c.State())
}

func TestConcurrentSupersedeKeepsStaleResultsOut(t *testing.T) {
	for i := 0; i < 300; i++ {
		ch1 := newFakeChannelBuf(0)
		ch2 := newFakeChannel()
		c := newTestController(t, dialerFor(ch1, ch2), nil)

		require.NoError(t, c.Ask(context.Background(), "first", "q1"))
		waitAsk(t, ch1)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ch1.emit(SourcesEvent{Sources: []WebSource{{Index: 9, Title: "late", URL: "https://late"}}})
		}()
		go func() {
			defer wg.Done()
			<-start
			_ = c.Ask(context.Background(), "second", "q2")
		}()
		close(start)
		wg.Wait()
		waitAsk(t, ch2)

		// Unbuffered channel: once this lands, the sources apply is done.
		ch1.emit(MetadataEvent{Metadata: map[string]any{"k": "v"}})

		turns := c.Log().Turns()
		require.Len(t, turns, 2)
		require.Equal(t, "q2", turns[1].ID)
		require.Nil(t, turns[1].Sources, "retired session's sources attached to the new turn")

		c.Close()
		ch1.end()
		ch2.end()
	}
}

func TestConcurrentCloseAndSessionEndDoesNotPanic(t *testing.T) {
	for i := 0; i < 500; i++ {
		ch := newFakeChannel()
		c := newTestController(t, dialerFor(ch), nil)

		require.NoError(t, c.Ask(context.Background(), "race", "q1"))
		waitAsk(t, ch)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ch.emit(CloseEvent{})
		}()
		go func() {
			defer wg.Done()
			<-start
			c.Close()
		}()
		close(start)
		wg.Wait()

		waitDone(t, c)
		ch.end()
	}
}

func TestBusyLifecycle(t *testing.T) {
	ch := newFakeChannel()
	defer ch.end()
	c := newTestController(t, dialerFor(ch), nil)

	require.False(t, c.Busy())
	require.NoError(t, c.Ask(context.Background(), "working", "q1"))
	require.True(t, c.Busy())
	waitAsk(t, ch)
	require.True(t, c.Busy())

	ch.emit(CloseEvent{})
	waitDone(t, c)
	require.False(t, c.Busy())
}
