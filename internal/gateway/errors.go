package gateway

import "errors"

var (
	ErrNoRoute      = errors.New("no outbound channel for user")
	ErrUnlinkedUser = errors.New("user has not shared a phone number with the telegram bot")
)
