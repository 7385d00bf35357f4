// Package imap reads a mailbox over IMAP4rev1/rev2. Mailboxes have no
// inbox categories, so every message is reported as primary.
package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"notifysync/internal/mail"
	logx "notifysync/pkg/logx"
)

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	TLS         bool
	Mailbox     string
	SinceDays   int
	DialRetries int
}

type Transport struct {
	mail.StaticCategory

	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap: host is required")
	}
	if cfg.Username == "" {
		return nil, errors.New("imap: username is required")
	}
	if cfg.Port <= 0 {
		if cfg.TLS {
			cfg.Port = 993
		} else {
			cfg.Port = 143
		}
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.SinceDays <= 0 {
		cfg.SinceDays = 2
	}
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		StaticCategory: mail.StaticCategory(mail.CategoryPrimary),
		cfg:            cfg,
		log:            log,
		now:            time.Now,
	}, nil
}

func (t *Transport) addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// connect retries only the dial; a rejected login is final.
func (t *Transport) connect() (*imapclient.Client, error) {
	var c *imapclient.Client
	err := retry.Retry(func() error {
		var err error
		if t.cfg.TLS {
			c, err = imapclient.DialTLS(t.addr(), nil)
		} else {
			c, err = imapclient.DialStartTLS(t.addr(), nil)
		}
		return err
	}, t.cfg.DialRetries, func(err error) error {
		t.log.Warn("imap dial failed; retrying", logx.String("addr", t.addr()), logx.Err(err))
		return nil
	}, func() error {
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", t.addr(), err)
	}
	if err := c.Login(t.cfg.Username, t.cfg.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap login %s: %w", t.cfg.Username, err)
	}
	return c, nil
}

// FetchRecent returns up to max of the newest messages received within the
// configured window, newest first. Messages are fetched with BODY.PEEK[] so
// their \Seen flag is left alone.
func (t *Transport) FetchRecent(ctx context.Context, max int) ([]*mail.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	c, err := t.connect()
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer func() {
		_ = c.Logout().Wait()
		_ = c.Close()
	}()

	sel, err := c.Select(t.cfg.Mailbox, &goimap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", t.cfg.Mailbox, err)
	}

	since := t.now().AddDate(0, 0, -t.cfg.SinceDays)
	found, err := c.UIDSearch(&goimap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := newestUIDs(found.AllUIDs(), max)
	if len(uids) == 0 {
		return nil, nil
	}

	section := &goimap.FetchItemBodySection{Peek: true}
	cmd := c.Fetch(goimap.UIDSetNum(uids...), &goimap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*goimap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	byUID := make(map[goimap.UID]*mail.Message, len(uids))
	for {
		next := cmd.Next()
		if next == nil {
			break
		}
		buf, err := next.Collect()
		if err != nil {
			t.log.Warn("imap collect failed; skipping", logx.Err(err))
			continue
		}
		raw := buf.FindBodySection(section)
		if raw == nil {
			continue
		}
		m, err := mail.Decode(raw)
		if err != nil {
			t.log.Warn("imap decode failed; skipping", logx.Uint64("uid", uint64(buf.UID)), logx.Err(err))
			continue
		}
		t.fill(m, sel.UIDValidity, buf)
		byUID[buf.UID] = m
	}
	if err := cmd.Close(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	out := make([]*mail.Message, 0, len(byUID))
	for i := len(uids) - 1; i >= 0; i-- {
		if m, ok := byUID[uids[i]]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *Transport) fill(m *mail.Message, validity uint32, buf *imapclient.FetchMessageBuffer) {
	if m.ID == "" {
		m.ID = fallbackID(validity, buf.UID)
	}
	if m.ThreadID == "" {
		m.ThreadID = m.ID
	}
	if m.ReceivedAt.IsZero() {
		if !buf.InternalDate.IsZero() {
			m.ReceivedAt = buf.InternalDate
		} else {
			m.ReceivedAt = t.now()
			m.DecodeWarnings = append(m.DecodeWarnings, "date: missing; using fetch time")
		}
	}
	m.Category = mail.CategoryPrimary
}

// newestUIDs keeps the last n ascending UIDs.
func newestUIDs(uids []goimap.UID, n int) []goimap.UID {
	if n > 0 && len(uids) > n {
		return uids[len(uids)-n:]
	}
	return uids
}

// fallbackID identifies a message without a Message-ID header. UIDs are only
// stable within one UIDVALIDITY epoch.
func fallbackID(validity uint32, uid goimap.UID) string {
	return fmt.Sprintf("uid:%d:%d", validity, uid)
}
