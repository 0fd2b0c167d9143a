package models

import "time"

// MessageKind discriminates chat message variants.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// ChatMessage is one entry shown to the user. Text is set for KindText;
// File is set for KindFile.
type ChatMessage struct {
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	File       *File       `json:"file,omitempty"`
	IsIncoming bool        `json:"is_incoming"`
	Timestamp  int64       `json:"timestamp"`
}

// NewTextMessage stamps a text message with the current time.
func NewTextMessage(text string, isIncoming bool) ChatMessage {
	return ChatMessage{
		Kind:       KindText,
		Text:       text,
		IsIncoming: isIncoming,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// NewFileMessage stamps a file message with the current time.
func NewFileMessage(file File, isIncoming bool) ChatMessage {
	return ChatMessage{
		Kind:       KindFile,
		File:       &file,
		IsIncoming: isIncoming,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Time returns the message timestamp.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
