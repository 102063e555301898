// Package history hydrates a conversation log from the server's stored
// thread transcript, for reopening an existing thread by id or slug.
package history

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sensei/pkg/chat"
)

// Client fetches stored thread transcripts over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Hydration is the decoded transcript of a stored thread.
type Hydration struct {
	ThreadID         string
	Turns            []chat.Turn
	RelatedQuestions []string
}

type transcriptTurn struct {
	ID               string           `json:"id"`
	Query            string           `json:"query"`
	Answer           *string          `json:"answer"`
	Sources          []chat.WebSource `json:"web_results"`
	Media            []chat.Medium    `json:"medium_results"`
	Metadata         map[string]any   `json:"metadata"`
	RelatedQuestions []string         `json:"related_questions"`
}

type transcriptResponse struct {
	ThreadID    string           `json:"thread_id"`
	ChatHistory []transcriptTurn `json:"chat_history"`
	Metadata    map[string]any   `json:"metadata"`
}

// FetchThread retrieves the stored transcript for one thread. The related
// questions of the final turn become the session suggestions, matching what
// a live session would have shown just before it closed.
func (c *Client) FetchThread(ctx context.Context, threadID string) (Hydration, error) {
	if c == nil {
		return Hydration{}, errors.New("history: client is nil")
	}
	if threadID == "" {
		return Hydration{}, errors.New("history: thread id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := url.JoinPath(c.BaseURL, "threads", threadID)
	if err != nil {
		return Hydration{}, errors.Wrap(err, "history: build thread url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Hydration{}, errors.Wrap(err, "history: build request")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Hydration{}, errors.Wrap(err, "history: fetch thread")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Hydration{}, errors.Errorf("history: fetch thread %s: unexpected status %d", threadID, resp.StatusCode)
	}

	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Hydration{}, errors.Wrap(err, "history: decode transcript")
	}

	h := Hydration{ThreadID: tr.ThreadID}
	if h.ThreadID == "" {
		h.ThreadID = threadID
	}
	for _, t := range tr.ChatHistory {
		id := t.ID
		if id == "" {
			id = chat.NewQueryID()
		}
		h.Turns = append(h.Turns, chat.Turn{
			ID:       id,
			Query:    t.Query,
			Answer:   t.Answer,
			Sources:  t.Sources,
			Media:    t.Media,
			Metadata: t.Metadata,
		})
	}
	if n := len(tr.ChatHistory); n > 0 {
		h.RelatedQuestions = tr.ChatHistory[n-1].RelatedQuestions
	}

	log.Debug().Str("component", "history").Str("thread_id", h.ThreadID).
		Int("turns", len(h.Turns)).Msg("thread transcript fetched")
	return h, nil
}

// HydrateLog merges a fetched transcript into the log, ahead of any live
// turns. Turns already present by id are skipped, so hydrating twice or
// hydrating after the first live ask cannot duplicate entries. Returns the
// number of turns added.
func HydrateLog(clog *chat.ConversationLog, h Hydration) int {
	if clog == nil {
		return 0
	}
	return clog.PrependUnique(h.Turns)
}
