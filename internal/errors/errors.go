// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateJob       = errors.New("duplicate send job")
	ErrJobNotFound        = errors.New("send job not found")
	ErrLeaseLost          = errors.New("job lease lost")
	ErrMessageNotFound    = errors.New("message not found")
	ErrCredentialNotFound = errors.New("channel credential not found")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrInvalidTransition  = errors.New("invalid campaign transition")
	ErrNoRecipients       = errors.New("campaign has no recipients")
	ErrChannelMismatch    = errors.New("template channel does not match campaign")
)

// ErrCampaignNotFound is returned when a campaign id has no row.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// NewCampaignNotFound builds an ErrCampaignNotFound.
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// DuplicateJobError names the (campaign, recipient) pair that already has a job.
type DuplicateJobError struct {
	CampaignID int64
	Recipient  string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("send job for campaign %d and recipient %q already exists", e.CampaignID, e.Recipient)
}

func (e *DuplicateJobError) Unwrap() error { return ErrDuplicateJob }

// MissingVariableError means a template placeholder had no parameter.
type MissingVariableError struct {
	Variables []string
}

func (e *MissingVariableError) Error() string {
	return "missing template variables: " + strings.Join(e.Variables, ", ")
}

// UnsupportedAttachmentError means an attachment type is not allowed.
type UnsupportedAttachmentError struct {
	Filename    string
	ContentType string
	Channel     string
}

func (e *UnsupportedAttachmentError) Error() string {
	if e.ContentType == "" {
		return fmt.Sprintf("attachment %q is not supported on %s", e.Filename, e.Channel)
	}
	return fmt.Sprintf("attachment %q of type %s is not supported on %s", e.Filename, e.ContentType, e.Channel)
}

// MessageTooLongError means the rendered body exceeds the channel limit.
type MessageTooLongError struct {
	Channel string
	Length  int
	Limit   int
}

func (e *MessageTooLongError) Error() string {
	return fmt.Sprintf("%s message is %d characters, limit is %d", e.Channel, e.Length, e.Limit)
}

// TransientProviderError is a retryable provider failure (network, 5xx,
// timeout, throttling).
type TransientProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientProviderError.
func NewTransient(provider string, status int, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return &TransientProviderError{Provider: provider, StatusCode: status, Err: err}
}

// ConfigurationError is a credential or setup fault that will recur for every
// recipient of the campaign.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Provider, e.Reason)
}

// NewConfiguration builds a ConfigurationError.
func NewConfiguration(provider, format string, args ...any) error {
	return &ConfigurationError{Provider: provider, Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is a TransientProviderError.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// IsValidation reports whether err is a pre-dispatch validation failure.
func IsValidation(err error) bool {
	var (
		mv *MissingVariableError
		ua *UnsupportedAttachmentError
		tl *MessageTooLongError
	)
	return errors.As(err, &mv) || errors.As(err, &ua) || errors.As(err, &tl) ||
		errors.Is(err, ErrChannelMismatch)
}

// IsNotFound reports whether err signals a missing campaign, job, message or
// credential.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrCredentialNotFound) ||
		errors.Is(err, ErrTemplateNotFound)
}
