package dispatch

import (
	"context"
	"strings"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

// GovSG sends pre-approved WhatsApp templates. The template name comes from
// the campaign template, falling back to the credential's template_name; the
// placeholder values become the ordered body parameters.
type GovSG struct {
	cloudAPI
}

func NewGovSG(baseURL string, client HTTPClient) *GovSG {
	return &GovSG{cloudAPI{provider: "govsg", baseURL: strings.TrimRight(baseURL, "/"), client: client}}
}

func (g *GovSG) Channel() model.Channel { return model.ChannelGovSG }

func (g *GovSG) Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error) {
	name := p.ProviderTemplate
	if name == "" {
		name = cred.Get("template_name")
	}
	if name == "" {
		return Outcome{}, appErrors.NewConfiguration(g.provider, "no provider template configured")
	}
	lang := cred.Get("language")
	if lang == "" {
		lang = "en_GB"
	}

	params := make([]map[string]string, 0, len(p.Params))
	for _, v := range p.Params {
		params = append(params, map[string]string{"type": "text", "text": v})
	}
	tpl := map[string]any{
		"name":     name,
		"language": map[string]string{"code": lang},
	}
	if len(params) > 0 {
		tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
	}

	return g.post(ctx, cred, map[string]any{
		"to":       recipient,
		"type":     "template",
		"template": tpl,
	})
}
