// Package gmail reads the inbox through the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"notifysync/internal/mail"
	logx "notifysync/pkg/logx"
)

type Config struct {
	CredentialsFile string
	TokenFile       string
	User            string
	Timeout         time.Duration
}

const categoryCacheMax = 2000

// Transport implements mail.Transport and mail.CategoryLookup.
type Transport struct {
	svc  *gmailapi.Service
	user string
	log  logx.Logger
	now  func() time.Time

	mu         sync.Mutex
	categories map[string]mail.Category
}

// New builds an authorized client from an OAuth client secret file and a
// previously granted token file. The token is refreshed in the background
// for the lifetime of ctx.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Transport, error) {
	secret, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("gmail credentials: %w", err)
	}
	oc, err := google.ConfigFromJSON(secret, gmailapi.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("gmail credentials: %w", err)
	}
	tok, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	client := oc.Client(ctx, tok)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return NewWithService(svc, cfg.User, log), nil
}

// NewWithService wraps an existing API client.
func NewWithService(svc *gmailapi.Service, user string, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(user) == "" {
		user = "me"
	}
	return &Transport{
		svc:        svc,
		user:       user,
		log:        log,
		now:        time.Now,
		categories: map[string]mail.Category{},
	}
}

func loadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gmail token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("gmail token %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("gmail token: neither access nor refresh token present")
	}
	return &tok, nil
}

// FetchRecent lists the newest inbox messages and downloads each in raw
// form. A failed list aborts; a failed or undecodable message is skipped.
func (t *Transport) FetchRecent(ctx context.Context, max int) ([]*mail.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	resp, err := t.svc.Users.Messages.List(t.user).
		LabelIds("INBOX").
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	out := make([]*mail.Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		if ref == nil || ref.Id == "" {
			continue
		}
		gm, err := t.svc.Users.Messages.Get(t.user, ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			t.log.Warn("gmail get failed; skipping", logx.String("id", ref.Id), logx.Err(err))
			continue
		}
		m, err := t.decode(gm)
		if err != nil {
			t.log.Warn("gmail decode failed; skipping", logx.String("id", ref.Id), logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *Transport) decode(gm *gmailapi.Message) (*mail.Message, error) {
	raw, err := decodeRaw(gm.Raw)
	if err != nil {
		return nil, err
	}
	m, err := mail.Decode(raw)
	if err != nil {
		return nil, err
	}
	m.ID = gm.Id
	if gm.ThreadId != "" {
		m.ThreadID = gm.ThreadId
	}
	if m.ReceivedAt.IsZero() {
		if gm.InternalDate > 0 {
			m.ReceivedAt = time.UnixMilli(gm.InternalDate)
		} else {
			m.ReceivedAt = t.now()
			m.DecodeWarnings = append(m.DecodeWarnings, "date: missing; using fetch time")
		}
	}
	m.Category = categoryFromLabels(gm.LabelIds)
	t.remember(gm.Id, m.Category)
	for _, w := range m.DecodeWarnings {
		t.log.Debug("gmail decode warning", logx.String("id", gm.Id), logx.String("warning", w))
	}
	return m, nil
}

// decodeRaw accepts padded and unpadded base64url.
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode raw message: %w", err)
	}
	return b, nil
}

// categoryFromLabels maps Gmail's CATEGORY_* label ids. A message without
// any category label sits in the primary tab.
func categoryFromLabels(labels []string) mail.Category {
	for _, l := range labels {
		if strings.HasPrefix(l, "CATEGORY_") {
			return mail.ParseCategory(l)
		}
	}
	return mail.CategoryPrimary
}

func (t *Transport) remember(id string, c mail.Category) {
	t.mu.Lock()
	if len(t.categories) >= categoryCacheMax {
		t.categories = map[string]mail.Category{}
	}
	t.categories[id] = c
	t.mu.Unlock()
}

// Category answers from the fetch cache and falls back to a minimal get.
func (t *Transport) Category(ctx context.Context, id string) (mail.Category, error) {
	t.mu.Lock()
	c, ok := t.categories[id]
	t.mu.Unlock()
	if ok {
		return c, nil
	}
	gm, err := t.svc.Users.Messages.Get(t.user, id).Format("minimal").Context(ctx).Do()
	if err != nil {
		return mail.CategoryUnknown, fmt.Errorf("gmail labels %s: %w", id, err)
	}
	c = categoryFromLabels(gm.LabelIds)
	t.remember(id, c)
	return c, nil
}
