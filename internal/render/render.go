// Package render merges a campaign template with one recipient's parameters.
// Rendering is pure so the same code pre-validates a whole campaign before any
// job is created.
package render

import (
	"fmt"
	"html"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Masterminds/sprig/v3"
	"github.com/twmb/murmur3"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// Character limits for plain-text channels. Email is uncapped.
var maxLength = map[model.Channel]int{
	model.ChannelSMS:      1600,
	model.ChannelTelegram: 4096,
	model.ChannelWhatsApp: 4096,
	model.ChannelGovSG:    1024,
}

// Attachments are only delivered over email.
var allowedAttachments = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".csv": true, ".txt": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*((?:\|\s*[A-Za-z0-9_]+\s*)*)\}\}`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
)

// Payload is the channel-ready content of one message.
type Payload struct {
	Channel model.Channel
	Subject string
	// Text is the plain body. For email it is the fallback part.
	Text string
	HTML string
	// Params are the substituted values in placeholder order, used by
	// providers that fill pre-approved templates.
	Params           []string
	ProviderTemplate string
	Attachments      []model.Attachment
	ContentHash      string
}

// Renderer renders templates. The zero value is not usable; call New.
type Renderer struct {
	filters map[string]func(string) string
}

// filterNames are the sprig helpers a template may pipe values through. All
// of them are pure, so a message renders the same way every time.
var filterNames = []string{
	"upper", "lower", "title", "untitle", "swapcase",
	"trim", "nospace", "initials",
	"snakecase", "camelcase", "kebabcase",
	"b64enc", "sha1sum", "sha256sum",
}

// New builds a Renderer over the allowed sprig filters.
func New() *Renderer {
	funcs := sprig.GenericFuncMap()
	filters := make(map[string]func(string) string, len(filterNames))
	for _, name := range filterNames {
		if f, ok := funcs[name].(func(string) string); ok {
			filters[name] = f
		}
	}
	return &Renderer{filters: filters}
}

// Render produces the payload for one recipient.
func (r *Renderer) Render(t *model.Template, params model.Params) (*Payload, error) {
	if err := checkAttachments(t); err != nil {
		return nil, err
	}

	p := &Payload{
		Channel:          t.Channel,
		ProviderTemplate: t.ProviderTemplate,
		Attachments:      t.Attachments,
	}

	missing := map[string]bool{}
	var err error

	if t.Channel == model.ChannelEmail {
		p.Subject, _, err = r.substitute(t.Subject, params, missing, nil)
		if err != nil {
			return nil, err
		}
		p.HTML, p.Params, err = r.substitute(t.Body, params, missing, html.EscapeString)
		if err != nil {
			return nil, err
		}
		p.Text = toText(p.HTML)
	} else {
		p.Text, p.Params, err = r.substitute(t.Body, params, missing, nil)
		if err != nil {
			return nil, err
		}
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for k := range missing {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, &appErrors.MissingVariableError{Variables: names}
	}

	if limit, ok := maxLength[t.Channel]; ok {
		if n := utf8.RuneCountInString(p.Text); n > limit {
			return nil, &appErrors.MessageTooLongError{Channel: string(t.Channel), Length: n, Limit: limit}
		}
	}

	p.ContentHash = Hash(p.Subject, p.Text, p.HTML)
	return p, nil
}

// Validate renders every recipient and returns the first error. Nothing is
// sent for a campaign that fails validation.
func (r *Renderer) Validate(t *model.Template, recipients []model.Recipient) error {
	if err := checkAttachments(t); err != nil {
		return err
	}
	for _, rc := range recipients {
		if _, err := r.Render(t, rc.Params); err != nil {
			return fmt.Errorf("recipient %s: %w", rc.Address, err)
		}
	}
	return nil
}

func (r *Renderer) substitute(src string, params model.Params, missing map[string]bool, escape func(string) string) (string, []string, error) {
	var (
		values  []string
		callErr error
	)
	out := placeholderRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		key := strings.ToLower(sub[1])
		v, ok := params[key]
		if !ok {
			missing[key] = true
			return m
		}
		for _, name := range strings.Split(sub[2], "|") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			f, ok := r.filters[name]
			if !ok {
				if callErr == nil {
					callErr = fmt.Errorf("render: unknown filter %q on %s", name, key)
				}
				return m
			}
			v = f(v)
		}
		values = append(values, v)
		if escape != nil {
			return escape(v)
		}
		return v
	})
	if callErr != nil {
		return "", nil, callErr
	}
	return out, values, nil
}

func checkAttachments(t *model.Template) error {
	for _, a := range t.Attachments {
		if t.Channel != model.ChannelEmail {
			return &appErrors.UnsupportedAttachmentError{Filename: a.Filename, ContentType: a.ContentType, Channel: string(t.Channel)}
		}
		if !allowedAttachments[strings.ToLower(path.Ext(a.Filename))] {
			return &appErrors.UnsupportedAttachmentError{Filename: a.Filename, ContentType: a.ContentType, Channel: string(t.Channel)}
		}
	}
	return nil
}

func toText(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(s)
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// Hash is the content fingerprint stored on the message.
func Hash(parts ...string) string {
	h := murmur3.New128()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}
