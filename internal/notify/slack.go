package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"rulegate/internal/domain"
)

const defaultSlackTimeout = 5 * time.Second

// Slack posts broadcast notifications to an incoming webhook.
type Slack struct {
	URL     string
	client  *http.Client
	limiter ratelimit.Limiter
}

// NewSlack returns a Slack notifier posting at most perSecond messages per second.
func NewSlack(url string, perSecond int) *Slack {
	limiter := ratelimit.NewUnlimited()
	if perSecond > 0 {
		limiter = ratelimit.New(perSecond)
	}
	return &Slack{
		URL:     url,
		client:  &http.Client{Timeout: defaultSlackTimeout},
		limiter: limiter,
	}
}

type slackAttachment struct {
	Color    string `json:"color"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Fallback string `json:"fallback"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func slackColor(s domain.Severity) string {
	switch s {
	case domain.SeverityInfo:
		return "good"
	case domain.SeverityWarning:
		return "warning"
	case domain.SeverityDanger:
		return "danger"
	}
	return ""
}

// Notify posts n when it is a broadcast. Direct messages are ignored.
func (s *Slack) Notify(ctx context.Context, n domain.Notification) error {
	if !n.Broadcast || strings.TrimSpace(s.URL) == "" {
		return nil
	}
	data, err := json.Marshal(slackMessage{
		Text: n.Subject,
		Attachments: []slackAttachment{{
			Color:    slackColor(n.Severity),
			Title:    n.Subject,
			Text:     n.Body,
			Fallback: n.Subject,
		}},
	})
	if err != nil {
		return err
	}
	s.limiter.Take()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rulegate-Kind", string(n.Kind))
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("slack: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
