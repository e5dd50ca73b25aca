package tracker

import "github.com/unclebandit/campaign-delivery/internal/model"

// progress orders the non-terminal path. Terminal statuses are absent.
var progress = map[model.MessageStatus]int{
	model.MessageUnsent:    0,
	model.MessageAccepted:  1,
	model.MessageSent:      2,
	model.MessageDelivered: 3,
	model.MessageRead:      4,
}

// reachable is the part of the progress path each channel's provider reports.
var reachable = map[model.Channel]model.MessageStatus{
	model.ChannelEmail:    model.MessageRead,
	model.ChannelSMS:      model.MessageDelivered,
	model.ChannelTelegram: model.MessageSent,
	model.ChannelWhatsApp: model.MessageRead,
	model.ChannelGovSG:    model.MessageRead,
}

// Normalize maps a reported status onto the channel's subset. Telegram's Bot
// API answers with the message already in the chat, so acceptance is Sent.
func Normalize(ch model.Channel, s model.MessageStatus) model.MessageStatus {
	if ch == model.ChannelTelegram && s == model.MessageAccepted {
		return model.MessageSent
	}
	return s
}

// Terminal reports whether no transition leaves s.
func Terminal(s model.MessageStatus) bool {
	switch s {
	case model.MessageInvalidRecipient, model.MessageError, model.MessageDeleted, model.MessageRead:
		return true
	}
	return false
}

// Allowed reports whether a message on ch may move from -> to.
//
//	Unsent -> Accepted -> Sent -> Delivered -> Read (skips allowed)
//	Unsent|Accepted|Sent -> InvalidRecipient | Error
//	Accepted|Sent -> Deleted
func Allowed(ch model.Channel, from, to model.MessageStatus) bool {
	if from == to || Terminal(from) {
		return false
	}
	switch to {
	case model.MessageInvalidRecipient, model.MessageError:
		return from == model.MessageUnsent || from == model.MessageAccepted || from == model.MessageSent
	case model.MessageDeleted:
		return from == model.MessageAccepted || from == model.MessageSent
	}

	fr, ok := progress[from]
	if !ok {
		return false
	}
	tr, ok := progress[to]
	if !ok || tr <= fr {
		return false
	}
	limit, ok := reachable[ch]
	if !ok {
		return false
	}
	return tr <= progress[limit]
}
