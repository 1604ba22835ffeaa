package model

import "github.com/google/uuid"

type (
	AttachmentMeta struct {
		Filename string `cbor:"1,keyasint,omitempty"`
		MIMEType string `cbor:"2,keyasint,omitempty"`
		Width    uint32 `cbor:"3,keyasint,omitempty"`
		Height   uint32 `cbor:"4,keyasint,omitempty"`
	}

	// File is an attachment before encryption.
	File struct {
		Data []byte
		Meta AttachmentMeta
	}

	// EncryptedFile is the opaque blob handed to blob storage.
	EncryptedFile struct {
		ID         uuid.UUID
		Ciphertext []byte
	}

	// AttachmentKeyBundle rides inside the encrypted message payload and is
	// everything a recipient needs to open the matching EncryptedFile.
	AttachmentKeyBundle struct {
		ID            uuid.UUID `cbor:"1,keyasint"`
		WrappedKey    []byte    `cbor:"2,keyasint"`
		WrapNonce     []byte    `cbor:"3,keyasint"`
		FileNonce     []byte    `cbor:"4,keyasint"`
		ContentHash   []byte    `cbor:"5,keyasint"`
		EncryptedMeta []byte    `cbor:"6,keyasint"`
		MetaNonce     []byte    `cbor:"7,keyasint"`
		Size          uint64    `cbor:"8,keyasint"`
	}

	ReceivedAttachment struct {
		Bundle  AttachmentKeyBundle
		FileKey []byte
		Meta    AttachmentMeta
	}
)
