// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"notifysync/internal/channel"
	"notifysync/internal/mail"
	logx "notifysync/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   string
	Timeout  time.Duration
	Location *time.Location
}

// sender is the part of *tele.Bot the channel uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

type Channel struct {
	bot  sender
	chat chatRecipient
	loc  *time.Location
	log  logx.Logger
	now  func() time.Time
}

// New returns an unavailable channel when token or chat id is missing.
// The bot is created offline; the first send is the first network call.
func New(cfg Config, log logx.Logger) (*Channel, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Channel{
		chat: chatRecipient(strings.TrimSpace(cfg.ChatID)),
		loc:  cfg.Location,
		log:  log.With(logx.String("comp", "channel.telegram")),
		now:  time.Now,
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" || c.chat == "" {
		return c, nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	c.bot = b
	return c, nil
}

func (c *Channel) Type() channel.Type { return channel.TypeTelegram }

func (c *Channel) Available() bool { return c != nil && c.bot != nil && c.chat != "" }

func (c *Channel) Send(ctx context.Context, m *mail.Message) error {
	if !c.Available() {
		return errors.New("telegram: not configured")
	}
	return c.deliver(ctx, Format(m, c.loc, c.now()), tele.ModeHTML)
}

// ForChat returns a channel that shares the bot but delivers to chatID.
func (c *Channel) ForChat(chatID string) *Channel {
	cp := *c
	cp.chat = chatRecipient(strings.TrimSpace(chatID))
	return &cp
}

// SendLog satisfies logx.Sender so log records can be mirrored to the chat.
func (c *Channel) SendLog(ctx context.Context, text string) error {
	if !c.Available() {
		return errors.New("telegram: not configured")
	}
	return c.deliver(ctx, text, "")
}

func (c *Channel) deliver(ctx context.Context, text string, mode tele.ParseMode) error {
	for _, chunk := range splitText(text, textLimit, string(mode)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{ParseMode: mode, DisableWebPagePreview: true}
		done := make(chan error, 1)
		go func() {
			_, err := c.bot.Send(c.chat, chunk, opts)
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("telegram send: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Format renders the HTML notification body.
func Format(m *mail.Message, loc *time.Location, now time.Time) string {
	var b strings.Builder
	b.WriteString("🔔 <b>")
	b.WriteString(channel.Title)
	b.WriteString("</b>\n\n")
	fmt.Fprintf(&b, "<b>From:</b> %s\n", html.EscapeString(m.Sender()))
	fmt.Fprintf(&b, "<b>Subject:</b> %s\n", html.EscapeString(channel.SubjectOrPlaceholder(m.Subject)))
	received := channel.ReceivedAt(m.ReceivedAt, loc)
	if !m.ReceivedAt.IsZero() {
		received += " (" + humanize.RelTime(m.ReceivedAt, now, "ago", "from now") + ")"
	}
	fmt.Fprintf(&b, "<b>Received:</b> %s\n", html.EscapeString(received))
	if p := channel.Preview(m.Body, channel.PreviewLimit); p != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(p))
	}
	return b.String()
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
