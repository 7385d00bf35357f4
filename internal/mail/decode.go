package mail

import (
	"bytes"
	"fmt"
	netmail "net/mail"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime/v2"
)

// Decode parses a raw RFC 5322 message. Only an unreadable message is an
// error; missing or malformed headers fall back to safe defaults and are
// listed in DecodeWarnings. ID is the Message-ID header (transports may
// replace it), ThreadID is derived from References / In-Reply-To.
func Decode(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	m := &Message{
		Subject: strings.TrimSpace(env.GetHeader("Subject")),
		Body:    strings.TrimSpace(env.Text),
	}
	for _, perr := range env.Errors {
		if perr != nil {
			m.DecodeWarnings = append(m.DecodeWarnings, perr.Error())
		}
	}

	if list, err := env.AddressList("From"); err == nil && len(list) > 0 {
		m.SenderName = strings.TrimSpace(list[0].Name)
		m.SenderAddress = strings.TrimSpace(list[0].Address)
	} else {
		m.SenderName, m.SenderAddress = ParseSender(env.GetHeader("From"))
		if err != nil {
			m.DecodeWarnings = append(m.DecodeWarnings, "from: "+err.Error())
		}
	}

	if d := strings.TrimSpace(env.GetHeader("Date")); d != "" {
		if t, err := netmail.ParseDate(d); err == nil {
			m.ReceivedAt = t
		} else {
			m.DecodeWarnings = append(m.DecodeWarnings, "date: "+err.Error())
		}
	}

	m.MessageIDHeader = firstMessageID(env.GetHeader("Message-ID"))
	m.ID = m.MessageIDHeader
	m.ThreadID = ThreadKey(env.GetHeader("References"), env.GetHeader("In-Reply-To"), m.MessageIDHeader)
	return m, nil
}

// ParseSender splits a From header into display name and address. Malformed
// headers fall back to splitting on angle brackets.
func ParseSender(from string) (name, addr string) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", ""
	}
	if a, err := gomail.ParseAddress(from); err == nil {
		return strings.TrimSpace(a.Name), strings.TrimSpace(a.Address)
	}
	if i := strings.Index(from, "<"); i >= 0 {
		name = strings.Trim(strings.TrimSpace(from[:i]), `"`)
		rest := from[i+1:]
		if j := strings.Index(rest, ">"); j >= 0 {
			rest = rest[:j]
		}
		return name, strings.TrimSpace(rest)
	}
	return "", from
}

// ThreadKey picks the conversation root: the first References id, else
// In-Reply-To, else the message's own id.
func ThreadKey(references, inReplyTo, messageID string) string {
	if id := firstMessageID(references); id != "" {
		return id
	}
	if id := firstMessageID(inReplyTo); id != "" {
		return id
	}
	return strings.TrimSpace(messageID)
}

func firstMessageID(h string) string {
	for _, f := range strings.Fields(h) {
		f = strings.Trim(f, "<>,")
		if f != "" {
			return f
		}
	}
	return ""
}
