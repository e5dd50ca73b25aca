package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

const telegramProvider = "telegram"

// Telegram sends through the Bot API. The recipient is the chat id; the
// credential holds bot_token. The Bot API has no delivery receipts, so
// messages stop at Sent.
type Telegram struct {
	baseURL string
	client  HTTPClient
}

func NewTelegram(baseURL string, client HTTPClient) *Telegram {
	return &Telegram{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *Telegram) Channel() model.Channel { return model.ChannelTelegram }

func (t *Telegram) Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error) {
	token := cred.Get("bot_token")
	if token == "" {
		return Outcome{}, appErrors.NewConfiguration(telegramProvider, "bot_token is required")
	}

	res, err := postJSON(ctx, t.client, telegramProvider, t.baseURL+"/bot"+token+"/sendMessage", nil,
		map[string]any{"chat_id": recipient, "text": p.Text})
	if err != nil {
		return Outcome{}, err
	}

	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"result"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(res.Body, &body)

	if res.ok() && body.OK {
		// message_id is only unique within a chat.
		return accepted(fmt.Sprintf("%d:%d", body.Result.Chat.ID, body.Result.MessageID)), nil
	}

	reason := body.Description
	if reason == "" {
		reason = res.snippet()
	}
	switch {
	case res.Status == http.StatusUnauthorized || res.Status == http.StatusNotFound:
		return Outcome{}, appErrors.NewConfiguration(telegramProvider, "bot api %d: %s", res.Status, reason)
	case res.retryable():
		return Outcome{}, appErrors.NewTransient(telegramProvider, res.Status, fmt.Errorf("bot api: %s", reason))
	}
	// 400 "chat not found", 403 "bot was blocked by the user" and the like.
	return rejected(strconv.Itoa(res.Status), reason), nil
}
