package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

const emailProvider = "email"

// Dialer abstracts net.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type EmailOption func(*Email)

func WithEmailDialer(d Dialer) EmailOption {
	return func(e *Email) {
		if d != nil {
			e.dialer = d
		}
	}
}

// WithEmailTLS turns opportunistic STARTTLS on or off.
func WithEmailTLS(enabled bool) EmailOption {
	return func(e *Email) { e.startTLS = enabled }
}

func WithEmailTimeout(d time.Duration) EmailOption {
	return func(e *Email) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithEmailClock(now func() time.Time) EmailOption {
	return func(e *Email) {
		if now != nil {
			e.now = now
		}
	}
}

// Email delivers over SMTP. Credential keys: host, port, username, password,
// from. The generated Message-ID is the provider message id.
type Email struct {
	dialer   Dialer
	startTLS bool
	timeout  time.Duration
	now      func() time.Time
}

func NewEmail(opts ...EmailOption) *Email {
	e := &Email{
		dialer:   &net.Dialer{Timeout: 30 * time.Second},
		startTLS: true,
		timeout:  30 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Email) Channel() model.Channel { return model.ChannelEmail }

func (e *Email) Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error) {
	host, from := cred.Get("host"), cred.Get("from")
	if host == "" || from == "" {
		return Outcome{}, appErrors.NewConfiguration(emailProvider, "host and from are required")
	}
	port := 587
	if v := cred.Get("port"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return Outcome{}, appErrors.NewConfiguration(emailProvider, "invalid port %q", v)
		}
		port = n
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return Outcome{}, appErrors.NewConfiguration(emailProvider, "invalid from address: %v", err)
	}
	rcpt, err := mail.ParseAddress(recipient)
	if err != nil {
		return rejected("invalid_address", err.Error()), nil
	}

	msgID := uuid.NewString() + "@" + domainOf(sender.Address)
	raw, err := e.buildMessage(p, sender, rcpt, msgID)
	if err != nil {
		return Outcome{}, fmt.Errorf("email: build message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stage, err := e.deliver(ctx, host, port, cred.Get("username"), cred.Get("password"), sender.Address, rcpt.Address, raw)
	if err != nil {
		return classifySMTP(stage, err)
	}
	return accepted(msgID), nil
}

func (e *Email) deliver(ctx context.Context, host string, port int, user, pass, from, to string, msg []byte) (string, error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "dial", err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return "greeting", err
	}
	defer c.Close()

	if e.startTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
				return "starttls", err
			}
		}
	}
	if user != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", user, pass, host)); err != nil {
				return "auth", err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return "mail", err
	}
	if err := c.Rcpt(to); err != nil {
		return "rcpt", err
	}
	w, err := c.Data()
	if err != nil {
		return "data", err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return "data", err
	}
	if err := w.Close(); err != nil {
		return "data", err
	}
	// The message is accepted at the end of DATA; QUIT failures do not matter.
	_ = c.Quit()
	return "", nil
}

// classifySMTP maps a failed SMTP stage to the canonical outcome.
func classifySMTP(stage string, err error) (Outcome, error) {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return Outcome{}, appErrors.NewTransient(emailProvider, 0, fmt.Errorf("%s: %w", stage, err))
	}
	switch {
	case tp.Code >= 400 && tp.Code < 500:
		return Outcome{}, appErrors.NewTransient(emailProvider, tp.Code, fmt.Errorf("%s: %s", stage, tp.Msg))
	case stage == "rcpt" && tp.Code != 530 && tp.Code != 535:
		return rejected(strconv.Itoa(tp.Code), strings.TrimSpace(tp.Msg)), nil
	}
	// A permanent failure outside RCPT (size limit, refused content, auth)
	// hits every recipient of the campaign alike.
	return Outcome{}, appErrors.NewConfiguration(emailProvider, "%s rejected (%d): %s", stage, tp.Code, tp.Msg)
}

func (e *Email) buildMessage(p *render.Payload, from, to *mail.Address, msgID string) ([]byte, error) {
	var buf bytes.Buffer
	h := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	h("From", from.String())
	h("To", to.String())
	h("Subject", mime.QEncoding.Encode("utf-8", sanitizeHeader(p.Subject)))
	h("Date", e.now().UTC().Format(time.RFC1123Z))
	h("Message-ID", "<"+msgID+">")
	h("MIME-Version", "1.0")

	outer := multipart.NewWriter(&buf)
	if len(p.Attachments) == 0 {
		h("Content-Type", "multipart/alternative; boundary="+outer.Boundary())
		buf.WriteString("\r\n")
		if err := writeAlternatives(outer, p); err != nil {
			return nil, err
		}
		return buf.Bytes(), outer.Close()
	}

	h("Content-Type", "multipart/mixed; boundary="+outer.Boundary())
	buf.WriteString("\r\n")

	altBuf := &bytes.Buffer{}
	alt := multipart.NewWriter(altBuf)
	if err := writeAlternatives(alt, p); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}
	part, err := outer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"multipart/alternative; boundary=" + alt.Boundary()},
	})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(altBuf.Bytes()); err != nil {
		return nil, err
	}

	for _, a := range p.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := outer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, a.Data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), outer.Close()
}

func writeAlternatives(w *multipart.Writer, p *render.Payload) error {
	for _, body := range []struct{ ct, text string }{
		{"text/plain; charset=UTF-8", p.Text},
		{"text/html; charset=UTF-8", p.HTML},
	} {
		if body.text == "" {
			continue
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {body.ct},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return err
		}
		qp := quotedprintable.NewWriter(part)
		if _, err := qp.Write([]byte(body.text)); err != nil {
			return err
		}
		if err := qp.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := io.WriteString(w, enc[:76]+"\r\n"); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := io.WriteString(w, enc+"\r\n")
	return err
}

func sanitizeHeader(v string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(v))
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

// DecodeWebhook accepts bounce and engagement events in the common ESP shape:
// [{"message_id": "...", "event": "delivered|open|bounce|soft_bounce|dropped|complaint", "reason": "..."}].
func (e *Email) DecodeWebhook(contentType string, body []byte) ([]StatusUpdate, error) {
	events, err := decodeEvents(body)
	if err != nil {
		return nil, fmt.Errorf("email webhook: %w", err)
	}
	out := make([]StatusUpdate, 0, len(events))
	for _, ev := range events {
		id := strings.Trim(ev.MessageID, "<>")
		u := StatusUpdate{ProviderMessageID: id, ErrorCode: ev.Code, ErrorDescription: ev.Reason}
		switch strings.ToLower(ev.Event) {
		case "processed", "sent":
			u.Status = model.MessageSent
		case "delivered":
			u.Status = model.MessageDelivered
		case "open", "opened", "click", "read":
			u.Status = model.MessageRead
		case "bounce", "hard_bounce", "bounced":
			u.Status = model.MessageInvalidRecipient
		case "soft_bounce", "dropped", "deferred_final", "complaint", "failed":
			u.Status = model.MessageError
		default:
			u.Status = model.MessageStatus(strings.ToLower(ev.Status))
			if !validStatus(u.Status) {
				continue
			}
		}
		out = append(out, u)
	}
	return out, nil
}
