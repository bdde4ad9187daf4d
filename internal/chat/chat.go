// Package chat defines the transport-agnostic contracts between the bot core
// and the chat platform: inbound events, outbound reply operations, and file
// transfer. The concrete transport adapter lives outside this module's core
// and only has to satisfy these interfaces.
package chat

import "context"

// Kind classifies an inbound event.
type Kind string

const (
	KindCommand Kind = "command"
	KindText    Kind = "text"
	KindPhoto   Kind = "photo"
	KindAudio   Kind = "audio"
	KindButton  Kind = "button"
)

// Event is one inbound interaction from the chat platform.
type Event struct {
	ID       string `json:"id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Kind     Kind   `json:"kind"`

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`

	// FileRef identifies a photo or audio payload held by the transport.
	FileRef  string `json:"file_ref,omitempty"`
	FileName string `json:"file_name,omitempty"`

	Action string `json:"action,omitempty"`
}

// Button is one pressable menu control.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Replier is the outbound reply sink.
type Replier interface {
	ReplyText(ctx context.Context, userID int64, body string) error
	ReplyPhoto(ctx context.Context, userID int64, imagePath, caption string) error
	ShowMenu(ctx context.Context, userID int64, body string, buttons []Button) error
	EditLastMessage(ctx context.Context, userID int64, body string, buttons []Button) error
}

// Files downloads transport-held payloads to local paths.
type Files interface {
	Download(ctx context.Context, fileRef, destPath string) error
}
