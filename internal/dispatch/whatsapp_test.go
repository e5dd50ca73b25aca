package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

func cloudCred(ch model.Channel) *model.ChannelCredential {
	return &model.ChannelCredential{Channel: ch, Config: model.Params{
		"phone_number_id": "1055", "access_token": "EAAB",
	}}
}

func graphServer(t *testing.T, status int, reply string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1055/messages", r.URL.Path)
		assert.Equal(t, "Bearer EAAB", r.Header.Get("Authorization"))
		if got != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWhatsAppSendText(t *testing.T) {
	var got map[string]any
	srv := graphServer(t, 200, `{"messages":[{"id":"wamid.A1"}]}`, &got)

	out, err := NewWhatsApp(srv.URL, srv.Client()).
		Send(context.Background(), &render.Payload{Text: "hi there"}, "6591234567", cloudCred(model.ChannelWhatsApp))
	require.NoError(t, err)
	assert.Equal(t, accepted("wamid.A1"), out)
	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, "hi there", got["text"].(map[string]any)["body"])
}

func TestWhatsAppErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		code      int
		rejected  bool
		transient bool
		config    bool
	}{
		{"expired token", 401, 190, false, false, true},
		{"undeliverable", 400, 131026, true, false, false},
		{"throughput", 400, 130429, false, true, false},
		{"pair rate limit", 400, 131056, false, true, false},
		{"server", 500, 0, false, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]any{"error": map[string]any{"message": tc.name, "code": tc.code}})
			srv := graphServer(t, tc.status, string(body), nil)

			out, err := NewWhatsApp(srv.URL, srv.Client()).
				Send(context.Background(), &render.Payload{Text: "x"}, "1", cloudCred(model.ChannelWhatsApp))
			assert.Equal(t, tc.transient, appErrors.IsTransient(err))
			assert.Equal(t, tc.config, appErrors.IsConfiguration(err))
			if tc.rejected {
				require.NoError(t, err)
				assert.Equal(t, Rejected, out.Kind)
				assert.Equal(t, "131026", out.Code)
			}
		})
	}
}

func TestGovSGSendsTemplateWithOrderedParams(t *testing.T) {
	var got map[string]any
	srv := graphServer(t, 200, `{"messages":[{"id":"wamid.G1"}]}`, &got)

	cred := cloudCred(model.ChannelGovSG)
	cred.Config["language"] = "en"
	p := &render.Payload{Text: "Dear Tan, appt at 3pm", Params: []string{"Tan", "3pm"}, ProviderTemplate: "appt_reminder"}

	out, err := NewGovSG(srv.URL, srv.Client()).Send(context.Background(), p, "6590000000", cred)
	require.NoError(t, err)
	assert.Equal(t, "wamid.G1", out.ProviderMessageID)

	assert.Equal(t, "template", got["type"])
	tpl := got["template"].(map[string]any)
	assert.Equal(t, "appt_reminder", tpl["name"])
	assert.Equal(t, "en", tpl["language"].(map[string]any)["code"])
	params := tpl["components"].([]any)[0].(map[string]any)["parameters"].([]any)
	require.Len(t, params, 2)
	assert.Equal(t, "Tan", params[0].(map[string]any)["text"])
	assert.Equal(t, "3pm", params[1].(map[string]any)["text"])
}

func TestGovSGWithoutTemplateIsConfiguration(t *testing.T) {
	_, err := NewGovSG("http://unused", http.DefaultClient).
		Send(context.Background(), &render.Payload{}, "1", cloudCred(model.ChannelGovSG))
	assert.True(t, appErrors.IsConfiguration(err))
}

func TestCloudDecodeWebhook(t *testing.T) {
	body := []byte(`{"entry":[{"changes":[{"value":{"statuses":[
		{"id":"wamid.1","status":"delivered"},
		{"id":"wamid.2","status":"read"},
		{"id":"wamid.3","status":"failed","errors":[{"code":131026,"title":"Message undeliverable"}]},
		{"id":"wamid.4","status":"failed","errors":[{"code":131000,"title":"Something went wrong"}]},
		{"id":"wamid.5","status":"deleted"},
		{"id":"wamid.6","status":"warning"}
	]}}]}]}`)

	updates, err := NewWhatsApp("", nil).DecodeWebhook("application/json", body)
	require.NoError(t, err)
	require.Len(t, updates, 5)
	assert.Equal(t, model.MessageDelivered, updates[0].Status)
	assert.Equal(t, model.MessageRead, updates[1].Status)
	assert.Equal(t, model.MessageInvalidRecipient, updates[2].Status)
	assert.Equal(t, "131026", updates[2].ErrorCode)
	assert.Equal(t, model.MessageError, updates[3].Status)
	assert.Equal(t, model.MessageDeleted, updates[4].Status)
}
