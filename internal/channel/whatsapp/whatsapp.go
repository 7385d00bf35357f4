// Package whatsapp delivers notifications through Twilio's WhatsApp
// messaging endpoint.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifysync/internal/channel"
	"notifysync/internal/mail"
	logx "notifysync/pkg/logx"
)

const DefaultBaseURL = "https://api.twilio.com"

type Config struct {
	Enabled    bool
	AccountSID string
	AuthToken  string
	From       string
	To         string
	BaseURL    string
	Timeout    time.Duration
	Location   *time.Location
}

type Channel struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Channel{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "channel.whatsapp")),
	}
}

func (c *Channel) Type() channel.Type { return channel.TypeWhatsApp }

func (c *Channel) Available() bool {
	return c != nil && c.cfg.Enabled &&
		c.cfg.AccountSID != "" && c.cfg.AuthToken != "" &&
		c.cfg.From != "" && c.cfg.To != ""
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Channel) Send(ctx context.Context, m *mail.Message) error {
	if !c.Available() {
		return errors.New("whatsapp: not configured")
	}
	form := url.Values{}
	form.Set("From", address(c.cfg.From))
	form.Set("To", address(c.cfg.To))
	form.Set("Body", Format(m, c.cfg.Location))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		return fmt.Errorf("whatsapp send: %s (code %d, http %d)", ae.Message, ae.Code, resp.StatusCode)
	}
	return fmt.Errorf("whatsapp send: http %d", resp.StatusCode)
}

func address(n string) string {
	n = strings.TrimSpace(n)
	if strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	return "whatsapp:" + n
}

// Format renders the WhatsApp markdown body.
func Format(m *mail.Message, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 *%s*\n\n", channel.Title)
	fmt.Fprintf(&b, "*From:* %s\n", m.Sender())
	fmt.Fprintf(&b, "*Subject:* %s\n", channel.SubjectOrPlaceholder(m.Subject))
	fmt.Fprintf(&b, "*Received:* %s\n", channel.ReceivedAt(m.ReceivedAt, loc))
	if p := channel.Preview(m.Body, channel.PreviewLimit); p != "" {
		b.WriteString("\n")
		b.WriteString(p)
	}
	return b.String()
}
