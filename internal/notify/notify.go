// Package notify posts human-readable dispatch summaries to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embed colors
const (
	ColorGreen  = 0x2ecc71
	ColorYellow = 0xf1c40f
	ColorRed    = 0xe74c3c
)

const maxDescription = 4096

// Field is one name/value line of a message
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Message is a single notification
type Message struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
}

// Notifier delivers messages
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// New returns a Discord notifier, or Nop when url is empty
func New(url string, timeout time.Duration) Notifier {
	if url == "" {
		return Nop{}
	}
	return NewDiscord(url, timeout)
}

// Nop discards every message
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Discord posts messages to a Discord webhook URL
type Discord struct {
	url    string
	client *http.Client
}

// NewDiscord creates a Discord notifier
func NewDiscord(url string, timeout time.Duration) *Discord {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Discord{url: url, client: &http.Client{Timeout: timeout}}
}

type discordEmbed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

// Notify sends msg as a single embed
func (d *Discord) Notify(ctx context.Context, msg Message) error {
	desc := msg.Description
	if len(desc) > maxDescription {
		desc = desc[:maxDescription-3] + "..."
	}
	payload := discordPayload{
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: desc,
			Color:       msg.Color,
			Fields:      msg.Fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification rejected with status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}
