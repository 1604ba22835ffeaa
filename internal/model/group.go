package model

import "time"

type (
	GroupKey struct {
		ConversationID string
		KeyVersion     uint32
		Key            []byte
		CreatedAt      time.Time
	}

	// GroupKeyGrant is delivered pairwise to each member's devices.
	GroupKeyGrant struct {
		ConversationID string   `cbor:"1,keyasint"`
		KeyVersion     uint32   `cbor:"2,keyasint"`
		Key            []byte   `cbor:"3,keyasint"`
		Owner          string   `cbor:"4,keyasint"`
		Admins         []string `cbor:"5,keyasint,omitempty"`
		Members        []string `cbor:"6,keyasint,omitempty"`
	}
)
