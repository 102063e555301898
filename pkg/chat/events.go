package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Wire event names, unchanged from the server protocol.
const (
	eventNameAsk              = "ask"
	eventNameSources          = "web_results"
	eventNameMetadata         = "metadata"
	eventNameMedia            = "medium_results"
	eventNameAnswer           = "answer"
	eventNameRelatedQuestions = "related_questions"
	eventNameThreadIdentity   = "thread_metadata"
	eventNameAppError         = "app_error"
)

// Event is the closed set of things a channel session can deliver. Events are
// applied in arrival order through a single dispatch on the controller.
type Event interface {
	eventName() string
}

// SourcesEvent replaces the current turn's sources.
type SourcesEvent struct {
	Sources []WebSource
}

// MetadataEvent replaces the current turn's metadata.
type MetadataEvent struct {
	Metadata map[string]any
}

// MediaEvent replaces the current turn's media.
type MediaEvent struct {
	Media []Medium
}

// AnswerChunkEvent carries one concatenative answer fragment.
type AnswerChunkEvent struct {
	Chunk string
}

// RelatedQuestionsEvent replaces the session-scoped suggestions.
type RelatedQuestionsEvent struct {
	Questions []string
}

// ThreadIdentityEvent confirms the thread has a durable identity.
type ThreadIdentityEvent struct {
	CreatedAt time.Time
	Slug      string
	Name      string
}

// CloseEvent is the normal end of a channel session.
type CloseEvent struct{}

// TransportErrorEvent is a channel-level failure.
type TransportErrorEvent struct {
	Err error
}

// AppErrorEvent is a failure the server reported explicitly. Message is shown
// to the user verbatim.
type AppErrorEvent struct {
	Message string
}

// UnknownEvent is a frame with an unrecognized name; consumers skip it.
type UnknownEvent struct {
	Name string
}

func (SourcesEvent) eventName() string          { return eventNameSources }
func (MetadataEvent) eventName() string         { return eventNameMetadata }
func (MediaEvent) eventName() string            { return eventNameMedia }
func (AnswerChunkEvent) eventName() string      { return eventNameAnswer }
func (RelatedQuestionsEvent) eventName() string { return eventNameRelatedQuestions }
func (ThreadIdentityEvent) eventName() string   { return eventNameThreadIdentity }
func (CloseEvent) eventName() string            { return "close" }
func (TransportErrorEvent) eventName() string   { return "transport_error" }
func (AppErrorEvent) eventName() string         { return eventNameAppError }
func (e UnknownEvent) eventName() string        { return e.Name }

// Ask is the client's submission: thread, query text and the stable user id.
type Ask struct {
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`
	UserID   string `json:"user_id"`
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeAsk builds the client->server submission frame.
func EncodeAsk(a Ask) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "chat: encode ask")
	}
	b, err := json.Marshal(frame{Event: eventNameAsk, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "chat: encode ask frame")
	}
	return b, nil
}

type threadIdentityPayload struct {
	CreatedAt string `json:"created_at"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
}

// DecodeFrame turns a raw server frame into a typed event. Unrecognized
// event names decode into UnknownEvent rather than failing the session.
func DecodeFrame(b []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "chat: decode frame")
	}
	switch f.Event {
	case eventNameSources:
		var sources []WebSource
		if err := json.Unmarshal(f.Data, &sources); err != nil {
			return nil, errors.Wrap(err, "chat: decode web_results")
		}
		return SourcesEvent{Sources: sources}, nil
	case eventNameMetadata:
		var metadata map[string]any
		if err := json.Unmarshal(f.Data, &metadata); err != nil {
			return nil, errors.Wrap(err, "chat: decode metadata")
		}
		return MetadataEvent{Metadata: metadata}, nil
	case eventNameMedia:
		var media []Medium
		if err := json.Unmarshal(f.Data, &media); err != nil {
			return nil, errors.Wrap(err, "chat: decode medium_results")
		}
		return MediaEvent{Media: media}, nil
	case eventNameAnswer:
		var chunk string
		if err := json.Unmarshal(f.Data, &chunk); err != nil {
			return nil, errors.Wrap(err, "chat: decode answer chunk")
		}
		return AnswerChunkEvent{Chunk: chunk}, nil
	case eventNameRelatedQuestions:
		var questions []string
		if err := json.Unmarshal(f.Data, &questions); err != nil {
			return nil, errors.Wrap(err, "chat: decode related_questions")
		}
		return RelatedQuestionsEvent{Questions: questions}, nil
	case eventNameThreadIdentity:
		var p threadIdentityPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, errors.Wrap(err, "chat: decode thread_metadata")
		}
		createdAt, err := time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "chat: decode thread_metadata created_at")
		}
		return ThreadIdentityEvent{CreatedAt: createdAt.UTC(), Slug: p.Slug, Name: p.Name}, nil
	case eventNameAppError:
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, errors.Wrap(err, "chat: decode app_error")
		}
		return AppErrorEvent{Message: p.Message}, nil
	default:
		return UnknownEvent{Name: f.Event}, nil
	}
}

// EncodeEvent renders a server->client event frame. The websocket test server
// and any Go-side backends share this with the client decoder.
func EncodeEvent(ev Event) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case SourcesEvent:
		data = e.Sources
	case MetadataEvent:
		data = e.Metadata
	case MediaEvent:
		data = e.Media
	case AnswerChunkEvent:
		data = e.Chunk
	case RelatedQuestionsEvent:
		data = e.Questions
	case ThreadIdentityEvent:
		data = threadIdentityPayload{
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			Slug:      e.Slug,
			Name:      e.Name,
		}
	case AppErrorEvent:
		data = map[string]string{"message": e.Message}
	default:
		return nil, errors.Errorf("chat: event %q has no wire encoding", ev.eventName())
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "chat: encode %s", ev.eventName())
	}
	b, err := json.Marshal(frame{Event: ev.eventName(), Data: raw})
	if err != nil {
		return nil, errors.Wrapf(err, "chat: encode %s frame", ev.eventName())
	}
	return b, nil
}
