// Package payloads defines the wire-level request and response types
// streamed between the orchestrator and its callers.
//
// Every outbound object carries a payload_type discriminator so callers can
// demultiplex a stream without sniffing bodies. A stream is finite and ends
// with exactly one terminal payload: answer_with_sources,
// disambiguation_request, or error.
package payloads

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates payload variants on the wire.
type Type string

const (
	TypeQuestion              Type = "question"
	TypeProcessingUpdate      Type = "processing_update"
	TypeThought               Type = "thought"
	TypeDisambiguationRequest Type = "disambiguation_request"
	TypeAnswerWithSources     Type = "answer_with_sources"
	TypeError                 Type = "error"
)

// Source identifies the emitting side of a payload.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
)

// Header is embedded in every payload.
type Header struct {
	PayloadType      Type      `json:"payload_type"`
	PayloadSource    Source    `json:"payload_source"`
	Timestamp        time.Time `json:"timestamp"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
}

// Payload is any streamable object.
type Payload interface {
	Head() *Header
	// Terminal reports whether the payload ends the stream.
	Terminal() bool
}

func (h *Header) Head() *Header { return h }

// Turn is one prior conversation exchange supplied by the caller.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Question is the inbound user message.
type Question struct {
	Header
	UserMessage        string         `json:"user_message"`
	ChatHistory        []Turn         `json:"chat_history,omitempty"`
	InjectedParameters map[string]any `json:"injected_parameters,omitempty"`
}

func (*Question) Terminal() bool { return false }

// NewQuestion builds an inbound Question payload stamped at now.
func NewQuestion(message string, history []Turn, params map[string]any) *Question {
	return &Question{
		Header: Header{
			PayloadType:   TypeQuestion,
			PayloadSource: SourceUser,
			Timestamp:     time.Now().UTC(),
		},
		UserMessage:        message,
		ChatHistory:        history,
		InjectedParameters: params,
	}
}

// ProcessingUpdate is a non-terminal progress message.
type ProcessingUpdate struct {
	Header
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

func (*ProcessingUpdate) Terminal() bool { return false }

// NewProcessingUpdate builds a progress payload.
func NewProcessingUpdate(title, message string) *ProcessingUpdate {
	return &ProcessingUpdate{
		Header: Header{
			PayloadType:   TypeProcessingUpdate,
			PayloadSource: SourceAgent,
			Timestamp:     time.Now().UTC(),
		},
		Title:   title,
		Message: message,
	}
}

// Thought is an optional diagnostic emitted by an agent mid-run.
type Thought struct {
	Header
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

func (*Thought) Terminal() bool { return false }

// NewThought builds a diagnostic payload attributed to an agent.
func NewThought(agent, content string) *Thought {
	return &Thought{
		Header: Header{
			PayloadType:   TypeThought,
			PayloadSource: SourceAgent,
			Timestamp:     time.Now().UTC(),
		},
		Agent:   agent,
		Content: content,
	}
}

// DisambiguationQuestion is one clarification the caller must answer.
type DisambiguationQuestion struct {
	Question             string   `json:"question"`
	MatchingColumns      []string `json:"matching_columns,omitempty"`
	MatchingFilterValues []string `json:"matching_filter_values,omitempty"`
	OtherUserChoices     []string `json:"other_user_choices,omitempty"`
}

// DisambiguationRequest is a terminal payload; the caller must resume the
// thread with another message answering the questions.
type DisambiguationRequest struct {
	Header
	Requests []DisambiguationQuestion `json:"disambiguation_requests"`
}

func (*DisambiguationRequest) Terminal() bool { return true }

// NewDisambiguationRequest builds the terminal clarification payload.
func NewDisambiguationRequest(requests []DisambiguationQuestion) *DisambiguationRequest {
	return &DisambiguationRequest{
		Header: Header{
			PayloadType:   TypeDisambiguationRequest,
			PayloadSource: SourceAgent,
			Timestamp:     time.Now().UTC(),
		},
		Requests: requests,
	}
}

// SQLRow is one result row as column name to rendered value.
type SQLRow map[string]any

// AnswerSource ties one executed query and its rows to the final answer.
// Error is populated when the sub-question failed but the run as a whole
// still produced an answer.
type AnswerSource struct {
	SQLQuery      string   `json:"sql_query"`
	SQLRows       []SQLRow `json:"sql_rows,omitempty"`
	MarkdownTable string   `json:"markdown_table,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// AnswerWithSources is the terminal success payload.
type AnswerWithSources struct {
	Header
	Answer              string         `json:"answer"`
	Sources             []AnswerSource `json:"sources"`
	FollowUpSuggestions []string       `json:"follow_up_suggestions,omitempty"`
}

func (*AnswerWithSources) Terminal() bool { return true }

// NewAnswerWithSources builds the terminal success payload.
func NewAnswerWithSources(answer string, sources []AnswerSource) *AnswerWithSources {
	return &AnswerWithSources{
		Header: Header{
			PayloadType:   TypeAnswerWithSources,
			PayloadSource: SourceAgent,
			Timestamp:     time.Now().UTC(),
		},
		Answer:  answer,
		Sources: sources,
	}
}

// Error is the terminal failure payload, emitted only when the entire run
// failed.
type Error struct {
	Header
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (*Error) Terminal() bool { return true }

// NewError builds the terminal failure payload.
func NewError(code, message, details string) *Error {
	return &Error{
		Header: Header{
			PayloadType:   TypeError,
			PayloadSource: SourceAgent,
			Timestamp:     time.Now().UTC(),
		},
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Unmarshal decodes a payload from JSON using the payload_type discriminator.
func Unmarshal(data []byte) (Payload, error) {
	var head struct {
		PayloadType Type `json:"payload_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding payload header: %w", err)
	}

	var p Payload
	switch head.PayloadType {
	case TypeQuestion:
		p = &Question{}
	case TypeProcessingUpdate:
		p = &ProcessingUpdate{}
	case TypeThought:
		p = &Thought{}
	case TypeDisambiguationRequest:
		p = &DisambiguationRequest{}
	case TypeAnswerWithSources:
		p = &AnswerWithSources{}
	case TypeError:
		p = &Error{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", head.PayloadType)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", head.PayloadType, err)
	}
	return p, nil
}
