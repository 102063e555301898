// Package chat owns the streaming session core: the typed channel protocol,
// the in-memory conversation log, and the controller that turns one submitted
// query into a finished conversation turn.
package chat

import (
	"sync"

	"github.com/google/uuid"
)

// WebSource is one search hit backing a citation. Index is the 1-based
// citation number referenced from the answer text.
type WebSource struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

const (
	MediumImage = "image"
	MediumVideo = "video"
)

// Medium is a source-shaped image or video result. Image carries the direct
// locator for image media; videos are addressed by URL.
type Medium struct {
	WebSource
	Medium string `json:"medium"`
	Image  string `json:"image,omitempty"`
}

// Turn is one query/answer exchange. Nil fields mean "not yet arrived": the
// distinction drives pending/loading presentation downstream and must survive
// every mutation.
type Turn struct {
	ID       string         `json:"id"`
	Query    string         `json:"query"`
	Answer   *string        `json:"answer"`
	Sources  []WebSource    `json:"sources"`
	Media    []Medium       `json:"media"`
	Metadata map[string]any `json:"metadata"`
}

func (t Turn) clone() Turn {
	out := t
	if t.Answer != nil {
		answer := *t.Answer
		out.Answer = &answer
	}
	if t.Sources != nil {
		out.Sources = append([]WebSource{}, t.Sources...)
	}
	if t.Media != nil {
		out.Media = append([]Medium{}, t.Media...)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NewQueryID mints the id a submission travels under.
func NewQueryID() string { return uuid.NewString() }

// ConversationLog is the append-only sequence of turns for the open thread.
// The streaming controller is the only writer of the last (open) turn;
// observers get copies.
type ConversationLog struct {
	mu    sync.Mutex
	turns []Turn
}

func NewConversationLog() *ConversationLog {
	return &ConversationLog{}
}

func (l *ConversationLog) Append(t Turn) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t.clone())
}

// MutateLast applies fn to the last turn in place. No-op on an empty log.
func (l *ConversationLog) MutateLast(fn func(*Turn)) {
	if l == nil || fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) == 0 {
		return
	}
	fn(&l.turns[len(l.turns)-1])
}

// DropLast removes and returns the last turn.
func (l *ConversationLog) DropLast() (Turn, bool) {
	if l == nil {
		return Turn{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	t := l.turns[len(l.turns)-1]
	l.turns = l.turns[:len(l.turns)-1]
	return t, true
}

func (l *ConversationLog) Last() (Turn, bool) {
	if l == nil {
		return Turn{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1].clone(), true
}

func (l *ConversationLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Turns returns a copy of the whole log.
func (l *ConversationLog) Turns() []Turn {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	for i, t := range l.turns {
		out[i] = t.clone()
	}
	return out
}

// PrependUnique inserts turns whose ids are not yet present at the front,
// preserving their order. Used when hydrating an existing thread around
// already-streaming turns. Returns how many were inserted.
func (l *ConversationLog) PrependUnique(turns []Turn) int {
	if l == nil || len(turns) == 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	existing := map[string]struct{}{}
	for _, t := range l.turns {
		existing[t.ID] = struct{}{}
	}
	fresh := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if _, dup := existing[t.ID]; dup {
			continue
		}
		existing[t.ID] = struct{}{}
		fresh = append(fresh, t.clone())
	}
	if len(fresh) == 0 {
		return 0
	}
	l.turns = append(fresh, l.turns...)
	return len(fresh)
}
