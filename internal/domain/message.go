package domain

import (
	"encoding/json"
	"strings"
)

// Role constants for message items.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Item and content type tags used by the Responses wire format.
const (
	ItemMessage   = "message"
	ItemReasoning = "reasoning"

	ContentInputText  = "input_text"
	ContentInputImage = "input_image"
	ContentOutputText = "output_text"
)

// ContentItem is one piece of a message item's content.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ResponseItem is an entry of the conversation history as exchanged with the
// backend. Items of types this package does not model are kept verbatim in
// Raw and re-sent unchanged.
type ResponseItem struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentItem `json:"content,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type responseItemAlias ResponseItem

// UnmarshalJSON keeps the original bytes alongside the decoded fields.
func (r *ResponseItem) UnmarshalJSON(data []byte) error {
	var a responseItemAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = ResponseItem(a)
	if r.Type != ItemMessage {
		r.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON prefers the original bytes for item types not modelled here.
func (r ResponseItem) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(responseItemAlias(r))
}

// UserMessage builds a user message item from plain text.
func UserMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    RoleUser,
		Content: []ContentItem{{Type: ContentInputText, Text: text}},
	}
}

// AssistantMessage builds an assistant message item from plain text.
func AssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    RoleAssistant,
		Content: []ContentItem{{Type: ContentOutputText, Text: text}},
	}
}

// Text concatenates the textual content of a message item.
func (r ResponseItem) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

// InputItem is one element of a user submission.
type InputItem struct {
	Type     string `json:"type"` // "text" | "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// UserInput is a single user submission.
type UserInput struct {
	Items []InputItem `json:"items"`
}

// TextInput is shorthand for a text-only submission.
func TextInput(text string) UserInput {
	return UserInput{Items: []InputItem{{Type: "text", Text: text}}}
}

// IsEmpty reports whether the submission carries no content.
func (u UserInput) IsEmpty() bool {
	for _, it := range u.Items {
		if it.Text != "" || it.ImageURL != "" {
			return false
		}
	}
	return true
}

// ResponseItem converts the submission to a user message item.
func (u UserInput) ResponseItem() ResponseItem {
	item := ResponseItem{Type: ItemMessage, Role: RoleUser}
	for _, it := range u.Items {
		switch it.Type {
		case "image":
			item.Content = append(item.Content, ContentItem{Type: ContentInputImage, ImageURL: it.ImageURL})
		default:
			item.Content = append(item.Content, ContentItem{Type: ContentInputText, Text: it.Text})
		}
	}
	return item
}
