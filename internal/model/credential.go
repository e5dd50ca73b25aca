package model

import "strconv"

// ChannelCredential is the per-user, per-channel provider configuration. The
// worker only reads it; rotation happens elsewhere.
type ChannelCredential struct {
	ID            int64   `db:"id" json:"id"`
	UserID        int64   `db:"user_id" json:"user_id"`
	Channel       Channel `db:"channel" json:"channel"`
	Config        Params  `db:"config" json:"-"`
	WebhookSecret string  `db:"webhook_secret" json:"-"`
	// RatePerSecond and Burst override the configured defaults when set.
	RatePerSecond float64 `db:"rate_per_second" json:"rate_per_second"`
	Burst         int     `db:"burst" json:"burst"`
}

// Identity is the key rate-limit buckets are shared under.
func (c *ChannelCredential) Identity() string {
	return "user:" + strconv.FormatInt(c.UserID, 10)
}

// Get returns a config value by key.
func (c *ChannelCredential) Get(key string) string {
	if c == nil || c.Config == nil {
		return ""
	}
	return c.Config[key]
}
