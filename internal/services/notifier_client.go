package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/contact-unlock/backend/internal/events"
	"go.uber.org/zap"
)

// NotifierClient delivers notifications to the external notification service.
type NotifierClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewNotifierClient(baseURL string, log *zap.Logger) *NotifierClient {
	return &NotifierClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type Notification struct {
	AccountID string         `json:"account_id"`
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Data      map[string]any `json:"data,omitempty"`
}

func (c *NotifierClient) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/internal/notify", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("notification service returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// NotificationsFor turns a published event into the notifications its
// addressees should receive. Events nobody needs to hear about yield none.
func NotificationsFor(e events.Event) []Notification {
	str := func(key string) string {
		s, _ := e.Payload[key].(string)
		return s
	}
	one := func(accountID, text string) []Notification {
		if accountID == "" {
			return nil
		}
		return []Notification{{AccountID: accountID, Type: e.Type, Text: text, Data: e.Payload}}
	}

	switch e.Type {
	case events.EventDirectConnected:
		return append(
			one(str("initiator_id"), "Contact unlocked. You can now message each other."),
			one(str("recipient_id"), "Someone unlocked your contact details. You can now message each other.")...,
		)
	case events.EventProposalCreated:
		return one(str("recipient_id"), "You received a new proposal. Unlock it to read and reply.")
	case events.EventProposalUnlocked:
		return one(str("initiator_id"), "Your proposal was unlocked. The conversation is open.")
	case events.EventProposalExpired:
		return one(str("initiator_id"), fmt.Sprintf("Your proposal expired without a response. %v tokens were refunded.", e.Payload["refund"]))
	case events.EventMessageSent:
		var out []Notification
		for _, id := range e.AccountIDs() {
			out = append(out, one(id, "You have a new message.")...)
		}
		return out
	case events.EventTokensPurchased:
		return one(str("account_id"), fmt.Sprintf("%v tokens were added to your balance.", e.Payload["tokens"]))
	}
	return nil
}
