package model

import "errors"

var (
	ErrKeyAgreementFailed     = errors.New("key agreement failed")
	ErrUntrustedKeyBundle     = errors.New("untrusted key bundle")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrReplayOrExpiredKey     = errors.New("replayed message or expired key")
	ErrRatchetExhausted       = errors.New("ratchet counter exhausted")
	ErrUnknownGroupKeyVersion = errors.New("unknown group key version")
	ErrIntegrityCheckFailed   = errors.New("integrity check failed")
	ErrMalformedEnvelope      = errors.New("malformed envelope")
	ErrMessageTooOld          = errors.New("message older than skip window")

	ErrTooManySkipped      = errors.New("too many skipped messages")
	ErrSessionCorrupted    = errors.New("session state corrupted")
	ErrUnknownKey          = errors.New("unknown key")
	ErrNoSession           = errors.New("no session with peer")
	ErrNotGroupAdmin       = errors.New("not a group admin")
	ErrNotGroupMember      = errors.New("not a group member")
	ErrUnknownConversation = errors.New("unknown conversation")
)
