package model

type (
	// InitiatorKeys is what the initiating side feeds into key agreement.
	InitiatorKeys struct {
		IdentityPriv  [32]byte
		EphemeralPriv [32]byte

		RemoteIdentity      [32]byte
		RemoteSignedPreKey  [32]byte
		RemoteOneTimePreKey *[32]byte
	}

	// ResponderKeys mirrors InitiatorKeys on the receiving side.
	ResponderKeys struct {
		RemoteIdentity  [32]byte
		RemoteEphemeral [32]byte

		IdentityPriv      [32]byte
		SignedPreKeyPriv  [32]byte
		OneTimePreKeyPriv *[32]byte
	}
)
