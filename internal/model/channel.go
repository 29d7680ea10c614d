// Package model defines the inbox domain types shared by the store, the
// channel adapters, the conversation registry and the broadcaster.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies a messaging platform.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
)

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWhatsApp, PlatformFacebook, PlatformInstagram:
		return true
	}
	return false
}

// UsesPairing reports whether the platform pairs through a scanned payload
// rather than an OAuth token.
func (p Platform) UsesPairing() bool {
	return p == PlatformWhatsApp
}

// ChannelStatus is the lifecycle state of a channel.
type ChannelStatus string

const (
	ChannelPending         ChannelStatus = "pending"
	ChannelAwaitingPairing ChannelStatus = "awaiting_pairing"
	ChannelActive          ChannelStatus = "active"
	ChannelDisconnected    ChannelStatus = "disconnected"
	ChannelError           ChannelStatus = "error"
	ChannelRemoved         ChannelStatus = "removed"
)

// Busy reports whether a channel in this status currently owns (or is
// acquiring) an adapter session.
func (s ChannelStatus) Busy() bool {
	return s == ChannelActive || s == ChannelAwaitingPairing
}

// Channel is a connected messaging endpoint.
type Channel struct {
	ID           string        `json:"id"`
	ExternalID   string        `json:"external_id"`
	Platform     Platform      `json:"platform"`
	Name         string        `json:"name"`
	Phone        string        `json:"phone,omitempty"`
	Credentials  Credentials   `json:"-"`
	Status       ChannelStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	LastActiveAt time.Time     `json:"last_active_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Credentials is the per-platform session blob. Exactly one variant is set
// for a paired or authorized channel; both are nil before that.
type Credentials struct {
	WhatsApp *WhatsAppCredentials `json:"whatsapp,omitempty"`
	Meta     *MetaCredentials     `json:"meta,omitempty"`
}

// WhatsAppCredentials points at the paired device in the whatsmeow store.
type WhatsAppCredentials struct {
	DeviceJID string `json:"device_jid"`
}

// MetaCredentials authorizes Graph API calls for a Facebook page or an
// Instagram business account.
type MetaCredentials struct {
	PageID      string    `json:"page_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Empty reports whether no variant is set.
func (c Credentials) Empty() bool {
	return c.WhatsApp == nil && c.Meta == nil
}

// Encode serializes the credentials for storage. Empty credentials encode
// to the empty string.
func (c Credentials) Encode() (string, error) {
	if c.Empty() {
		return "", nil
	}
	if err := c.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeCredentials parses a stored credential blob.
func DecodeCredentials(raw string) (Credentials, error) {
	var c Credentials
	if raw == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if err := c.validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (c Credentials) validate() error {
	if c.WhatsApp != nil && c.Meta != nil {
		return fmt.Errorf("credentials: more than one platform variant set")
	}
	if c.WhatsApp != nil && c.WhatsApp.DeviceJID == "" {
		return fmt.Errorf("credentials: whatsapp device jid is empty")
	}
	if c.Meta != nil && (c.Meta.PageID == "" || c.Meta.AccessToken == "") {
		return fmt.Errorf("credentials: meta page id and access token are required")
	}
	return nil
}
