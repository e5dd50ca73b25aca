package model

// Template is the campaign body with {{placeholder}} markers.
type Template struct {
	ID      int64   `db:"id" json:"id"`
	Channel Channel `db:"channel" json:"channel"`
	// Subject is only used by email.
	Subject string `db:"subject" json:"subject,omitempty"`
	Body    string `db:"body" json:"body"`
	// ProviderTemplate names the pre-approved provider template (GovSG).
	ProviderTemplate string       `db:"provider_template" json:"provider_template,omitempty"`
	Attachments      []Attachment `db:"-" json:"attachments,omitempty"`
}

type Attachment struct {
	ID          int64  `db:"id" json:"id"`
	TemplateID  int64  `db:"template_id" json:"template_id"`
	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"content_type"`
	Data        []byte `db:"data" json:"-"`
}
