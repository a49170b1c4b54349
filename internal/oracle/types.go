package oracle

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Message is one turn of conversation history sent as grounding.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body POSTed to the chat endpoint.
type Request struct {
	Message             string    `json:"message"`
	Model               string    `json:"model"`
	SystemPrompt        string    `json:"systemPrompt"`
	ConversationHistory []Message `json:"conversationHistory"`
	Principal           string    `json:"principal"`
	AuthToken           string    `json:"authToken,omitempty"`
}

// Response is the oracle's answer. Classification is nil when the oracle
// did not classify the message.
type Response struct {
	ResponseText   string          `json:"responseText"`
	Status         string          `json:"status"`
	Classification *Classification `json:"classification,omitempty"`
}

// Category is the classification variant.
type Category string

const (
	CategoryDiary Category = "diary"
	CategoryNone  Category = "none"
	// CategoryUnknown covers labels this client does not understand yet.
	CategoryUnknown Category = "unknown"
)

// DiaryData is the structured record extracted for a diary classification.
// Any field may be empty.
type DiaryData struct {
	Content string `json:"content"`
	Mood    string `json:"mood"`
	Date    string `json:"date"`
	Title   string `json:"title"`
}

// Classification is a tagged union keyed by Category. Diary is set only for
// CategoryDiary. For CategoryUnknown, Label holds the original category and
// Data the raw payload.
type Classification struct {
	Category   Category
	Label      string
	Confidence float64
	Diary      *DiaryData
	Data       json.RawMessage
}

type wireClassification struct {
	Category   string          `json:"category"`
	Confidence float64         `json:"confidence"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes {category, confidence, data} into the matching
// variant. Diary data of the wrong shape degrades to an empty DiaryData so
// the reply around it still decodes.
func (c *Classification) UnmarshalJSON(b []byte) error {
	var w wireClassification
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decoding classification: %w", err)
	}

	*c = Classification{Label: w.Category, Confidence: w.Confidence}
	switch Category(w.Category) {
	case CategoryDiary:
		c.Category = CategoryDiary
		d := &DiaryData{}
		if len(w.Data) > 0 && string(w.Data) != "null" {
			if err := json.Unmarshal(w.Data, d); err != nil {
				slog.Warn("oracle: ignoring malformed diary data", "error", err)
				d = &DiaryData{}
			}
		}
		c.Diary = d
	case CategoryNone, "":
		c.Category = CategoryNone
	default:
		c.Category = CategoryUnknown
		c.Data = w.Data
	}
	return nil
}

// MarshalJSON writes the wire form.
func (c Classification) MarshalJSON() ([]byte, error) {
	w := wireClassification{
		Category:   c.Label,
		Confidence: c.Confidence,
		Data:       c.Data,
	}
	if w.Category == "" {
		w.Category = string(c.Category)
	}
	if c.Category == CategoryDiary && c.Diary != nil {
		raw, err := json.Marshal(c.Diary)
		if err != nil {
			return nil, err
		}
		w.Data = raw
	}
	return json.Marshal(w)
}

// IsDiary reports whether the classification asks for a diary record.
func (c *Classification) IsDiary() bool {
	return c != nil && c.Category == CategoryDiary
}
