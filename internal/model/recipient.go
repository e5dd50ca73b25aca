// internal/model/recipient.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// RecipientColumn is the CSV header holding the recipient address.
const RecipientColumn = "recipient"

// Params are the per-recipient template values, keyed by lower-cased CSV header.
type Params map[string]string

// Value implements driver.Valuer so Params can be stored as jsonb.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("params: unsupported scan type %T", src)
	}
	out := Params{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// RecipientList is the CSV-derived list attached to a campaign. It is immutable
// once the campaign enters Sending.
type RecipientList struct {
	CampaignID int64      `db:"campaign_id" json:"campaign_id"`
	Headers    []string   `db:"headers" json:"headers"`
	Rows       [][]string `db:"-" json:"rows"`
}

// Recipient is one row of a RecipientList.
type Recipient struct {
	Address string
	Params  Params
}

// Recipients converts the rows into recipients, skipping rows without an
// address. Headers are matched case-insensitively.
func (l *RecipientList) Recipients() ([]Recipient, error) {
	idx := -1
	headers := make([]string, len(l.Headers))
	for i, h := range l.Headers {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
		if headers[i] == RecipientColumn {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("recipient list: missing %q column", RecipientColumn)
	}

	out := make([]Recipient, 0, len(l.Rows))
	for _, row := range l.Rows {
		if idx >= len(row) || strings.TrimSpace(row[idx]) == "" {
			continue
		}
		params := make(Params, len(headers))
		for i, h := range headers {
			if i < len(row) {
				params[h] = row[i]
			} else {
				params[h] = ""
			}
		}
		out = append(out, Recipient{
			Address: strings.TrimSpace(row[idx]),
			Params:  params,
		})
	}
	return out, nil
}
