package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConversationStatus archives conversations without deleting them.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationResolved, ConversationArchived:
		return true
	}
	return false
}

// Conversation is one contact thread on one channel.
type Conversation struct {
	ID              string             `json:"id"`
	ChannelID       string             `json:"channel_id"`
	ContactID       string             `json:"contact_id"`
	DisplayName     string             `json:"display_name,omitempty"`
	AvatarURL       string             `json:"avatar_url,omitempty"`
	LastMessage     string             `json:"last_message,omitempty"`
	LastMessageAt   time.Time          `json:"last_message_at,omitempty"`
	UnreadCount     int                `json:"unread_count"`
	MessageCount    int                `json:"message_count"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	Status          ConversationStatus `json:"status"`
	LastReadAt      time.Time          `json:"last_read_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Key is the lane key for the conversation: one per (channel, contact).
func (c Conversation) Key() string {
	return ConversationKey(c.ChannelID, c.ContactID)
}

// ConversationKey builds the ordering key for a (channel, contact) pair.
func ConversationKey(channelID, contactID string) string {
	return channelID + ":" + contactID
}

// Contact is the external party of a conversation as reported by an adapter.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Content is the payload of a message.
type Content struct {
	Text  string     `json:"text,omitempty"`
	Media []MediaRef `json:"media,omitempty"`
}

// Empty reports whether the content carries neither text nor media.
func (c Content) Empty() bool {
	return c.Text == "" && len(c.Media) == 0
}

// Preview is the short form stored on the conversation.
func (c Content) Preview() string {
	if c.Text != "" {
		return Truncate(c.Text, 120, "...")
	}
	if len(c.Media) > 0 {
		return "[" + string(c.Media[0].Kind) + "]"
	}
	return ""
}

// MediaKind is the type of an attached media reference.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// MediaRef references media stored outside the inbox.
type MediaRef struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url"`
	MimeType string    `json:"mime_type,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// Validate checks a media reference.
func (m MediaRef) Validate() error {
	switch m.Kind {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
	default:
		return fmt.Errorf("media: unknown kind %q", m.Kind)
	}
	if m.URL == "" {
		return fmt.Errorf("media: url is required")
	}
	return nil
}

// EncodeMedia serializes a media list for storage.
func EncodeMedia(media []MediaRef) (string, error) {
	if len(media) == 0 {
		return "", nil
	}
	for _, m := range media {
		if err := m.Validate(); err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(media)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMedia parses a stored media list.
func DecodeMedia(raw string) ([]MediaRef, error) {
	if raw == "" {
		return nil, nil
	}
	var media []MediaRef
	if err := json.Unmarshal([]byte(raw), &media); err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	for _, m := range media {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return media, nil
}

// Truncate shortens s to at most maxLen runes, ending with suffix when cut.
func Truncate(s string, maxLen int, suffix string) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	cutoff := maxLen - len([]rune(suffix))
	if cutoff < 0 {
		cutoff = 0
	}
	return string(r[:cutoff]) + suffix
}
