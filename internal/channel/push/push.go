// Package push delivers notifications to a device through Firebase Cloud
// Messaging.
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"notifysync/internal/channel"
	"notifysync/internal/mail"
	logx "notifysync/pkg/logx"
)

const bodyLimit = 240

type Config struct {
	Enabled         bool
	CredentialsFile string
	DeviceToken     string
}

// messenger is the part of *messaging.Client the channel uses.
type messenger interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
}

type Channel struct {
	client messenger
	token  string
	log    logx.Logger
}

// New returns an unavailable channel when disabled or when no device token
// is configured.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Channel, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Channel{
		token: strings.TrimSpace(cfg.DeviceToken),
		log:   log.With(logx.String("comp", "channel.push")),
	}
	if !cfg.Enabled || c.token == "" {
		return c, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *Channel) Type() channel.Type { return channel.TypePush }

func (c *Channel) Available() bool { return c != nil && c.client != nil && c.token != "" }

func (c *Channel) Send(ctx context.Context, m *mail.Message) error {
	if !c.Available() {
		return errors.New("push: not configured")
	}
	id, err := c.client.Send(ctx, Build(m, c.token))
	if err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	c.log.Debug("push accepted", logx.String("fcm_id", id))
	return nil
}

// Build maps a message onto an FCM payload for one device.
func Build(m *mail.Message, token string) *messaging.Message {
	title := channel.Title + ": " + channel.SubjectOrPlaceholder(m.Subject)
	body := m.Sender()
	if p := channel.Preview(m.Body, bodyLimit); p != "" {
		body += "\n" + p
	}
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: channel.Truncate(title, 120),
			Body:  body,
		},
		Data: map[string]string{
			"message_id": m.ID,
			"thread_id":  m.ThreadID,
			"sender":     m.SenderAddress,
		},
	}
}
