package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EncryptionVersion is the only envelope version this build produces and accepts.
const EncryptionVersion uint32 = 1

type (
	// Header is the ratchet header carried along with each ciphertext.
	Header struct {
		DHPublicKey  []byte `json:"dh_public_key"`  // sender's current ratchet public key
		PrevChainLen uint32 `json:"prev_chain_len"` // length of the sender's previous sending chain
		MsgNumber    uint32 `json:"msg_number"`     // position in the current sending chain
	}

	// Handshake travels with every message an initiator sends before its
	// first reply so the responder can finish the key agreement.
	Handshake struct {
		RecipientKeyID  uuid.UUID `json:"recipient_key_id"`
		EphemeralKey    []byte    `json:"ephemeral_key"`
		SignedPreKeyID  uint32    `json:"signed_prekey_id"`
		OneTimePreKeyID *uint32   `json:"one_time_prekey_id,omitempty"`
	}

	MessageEnvelope struct {
		Ciphertext        []byte     `json:"ciphertext"`
		Nonce             []byte     `json:"nonce"`
		Signature         []byte     `json:"signature"`
		SenderKeyID       uuid.UUID  `json:"sender_key_id"`
		RatchetHeader     Header     `json:"ratchet_header"`
		EncryptionVersion uint32     `json:"encryption_version"`
		Handshake         *Handshake `json:"x3dh_handshake,omitempty"`
	}

	GroupEnvelope struct {
		ConversationID    string    `json:"conversation_id"`
		KeyVersion        uint32    `json:"key_version"`
		Ciphertext        []byte    `json:"ciphertext"`
		Nonce             []byte    `json:"nonce"`
		Signature         []byte    `json:"signature"`
		SenderKeyID       uuid.UUID `json:"sender_key_id"`
		EncryptionVersion uint32    `json:"encryption_version"`
	}

	PayloadKind uint8

	// Payload is the plaintext structure sealed inside an envelope.
	Payload struct {
		Kind           PayloadKind           `cbor:"1,keyasint"`
		Body           []byte                `cbor:"2,keyasint,omitempty"`
		ConversationID string                `cbor:"3,keyasint,omitempty"`
		Attachments    []AttachmentKeyBundle `cbor:"4,keyasint,omitempty"`
		GroupKey       *GroupKeyGrant        `cbor:"5,keyasint,omitempty"`
	}

	DecryptedMessage struct {
		Kind           PayloadKind
		Plaintext      []byte
		SenderUserID   string
		SenderDeviceID string
		SenderKeyID    uuid.UUID
		ConversationID string
		Verified       bool
		Attachments    []ReceivedAttachment
	}

	PacketKind string

	// Packet is what a transport carries between devices.
	Packet struct {
		Kind     PacketKind      `json:"kind"`
		Envelope json.RawMessage `json:"envelope"`
	}

	// Frame is the relay's routing wrapper around a packet.
	Frame struct {
		From string `json:"from"`
		To   string `json:"to"`
		Data []byte `json:"data"`
	}
)

const (
	PayloadText PayloadKind = iota + 1
	PayloadGroupKey
)

const (
	PacketDirect PacketKind = "direct"
	PacketGroup  PacketKind = "group"
)
