package doubleratchet

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
	"math"

	"securemsg/internal/cryptographic/dh"
	"securemsg/internal/model"

	"github.com/awnumar/memguard"
)

// maxRetired bounds how many superseded receiving chains are remembered for
// replay detection.
const maxRetired = 16

type State uint8

const (
	AwaitingFirstMessage State = iota + 1
	Active
)

func (s State) String() string {
	switch s {
	case AwaitingFirstMessage:
		return "AWAITING_FIRST_MESSAGE"
	case Active:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type (
	skippedKey struct {
		DH  [32]byte `cbor:"1,keyasint"`
		N   uint32   `cbor:"2,keyasint"`
		Key []byte   `cbor:"3,keyasint"`
	}

	// retiredChain is a receiving chain superseded by a DH ratchet step.
	// Start is the receive position of its first message and Len the number
	// of keys derived from it.
	retiredChain struct {
		DH    [32]byte `cbor:"1,keyasint"`
		Start uint64   `cbor:"2,keyasint"`
		Len   uint32   `cbor:"3,keyasint"`
	}

	// epoch is one generation of session state. A committed epoch is never
	// written to again: every operation works on a clone and the session
	// swaps its head to the clone only when the whole operation succeeded.
	epoch struct {
		Seq   uint64 `cbor:"1,keyasint"`
		State State  `cbor:"2,keyasint"`

		RootKey []byte `cbor:"3,keyasint"`

		DHsPriv [32]byte `cbor:"4,keyasint"`
		DHsPub  [32]byte `cbor:"5,keyasint"`
		HasDHs  bool     `cbor:"6,keyasint"`

		DHr    [32]byte `cbor:"7,keyasint"`
		HasDHr bool     `cbor:"8,keyasint"`

		SendingChainKey   []byte `cbor:"9,keyasint"`
		ReceivingChainKey []byte `cbor:"10,keyasint"`
		Ns                uint32 `cbor:"11,keyasint"`
		Nr                uint32 `cbor:"12,keyasint"`
		PN                uint32 `cbor:"13,keyasint"`

		Skipped []skippedKey   `cbor:"14,keyasint"`
		Retired []retiredChain `cbor:"15,keyasint"`
		Window  uint32         `cbor:"16,keyasint"`

		// ChainStart is the receive position of message 0 on the current
		// receiving chain, counted across every chain of the session.
		ChainStart uint64 `cbor:"17,keyasint"`
	}
)

func (e *epoch) clone() *epoch {
	c := *e
	c.RootKey = bytes.Clone(e.RootKey)
	c.SendingChainKey = bytes.Clone(e.SendingChainKey)
	c.ReceivingChainKey = bytes.Clone(e.ReceivingChainKey)
	c.Skipped = make([]skippedKey, len(e.Skipped))
	for i, sk := range e.Skipped {
		c.Skipped[i] = skippedKey{DH: sk.DH, N: sk.N, Key: bytes.Clone(sk.Key)}
	}
	c.Retired = append([]retiredChain(nil), e.Retired...)
	return &c
}

func (e *epoch) wipe() {
	memguard.WipeBytes(e.RootKey)
	memguard.WipeBytes(e.SendingChainKey)
	memguard.WipeBytes(e.ReceivingChainKey)
	memguard.WipeBytes(e.DHsPriv[:])
	for _, sk := range e.Skipped {
		memguard.WipeBytes(sk.Key)
	}
}

func replaceKey(dst *[]byte, v []byte) {
	memguard.WipeBytes(*dst)
	*dst = v
}

func (e *epoch) validate() error {
	if e.State != AwaitingFirstMessage && e.State != Active {
		return fmt.Errorf("unknown state %d", e.State)
	}
	if len(e.RootKey) != 32 {
		return fmt.Errorf("root key length %d", len(e.RootKey))
	}
	if e.SendingChainKey == nil && e.ReceivingChainKey == nil {
		return fmt.Errorf("no chain keys")
	}
	for _, ck := range [][]byte{e.SendingChainKey, e.ReceivingChainKey} {
		if ck != nil && len(ck) != 32 {
			return fmt.Errorf("chain key length %d", len(ck))
		}
	}
	if e.SendingChainKey != nil && !e.HasDHs {
		return fmt.Errorf("sending chain without ratchet key")
	}
	if e.ReceivingChainKey != nil && !e.HasDHr {
		return fmt.Errorf("receiving chain without remote key")
	}
	if e.HasDHs {
		pub, err := dh.PublicKey(e.DHsPriv)
		if err != nil || subtle.ConstantTimeCompare(pub[:], e.DHsPub[:]) != 1 {
			return fmt.Errorf("ratchet key pair mismatch")
		}
	}
	if e.Window == 0 {
		return fmt.Errorf("zero skip window")
	}
	if len(e.Skipped) > int(e.Window) {
		return fmt.Errorf("skipped cache %d exceeds window %d", len(e.Skipped), e.Window)
	}
	for _, sk := range e.Skipped {
		if len(sk.Key) != 32 {
			return fmt.Errorf("skipped key length %d", len(sk.Key))
		}
	}
	if len(e.Retired) > maxRetired {
		return fmt.Errorf("too many retired keys")
	}
	for _, rc := range e.Retired {
		if rc.Start+uint64(rc.Len) > e.ChainStart {
			return fmt.Errorf("retired chain ends after the current one starts")
		}
	}
	return nil
}

// advanceSending derives the next message key on the sending chain. A
// session without a sending chain (the responder before its first reply)
// runs a DH ratchet step against the remote key first.
func (e *epoch) advanceSending(r io.Reader) ([]byte, model.Header, error) {
	if e.SendingChainKey == nil {
		if !e.HasDHr {
			return nil, model.Header{}, fmt.Errorf("no remote ratchet key: %w", model.ErrNoSession)
		}
		if err := e.stepSending(r); err != nil {
			return nil, model.Header{}, err
		}
	}

	if e.Ns == math.MaxUint32 {
		return nil, model.Header{}, model.ErrRatchetExhausted
	}

	next, mk := KDFChainKey(e.SendingChainKey)
	replaceKey(&e.SendingChainKey, next)

	h := model.Header{
		DHPublicKey:  bytes.Clone(e.DHsPub[:]),
		PrevChainLen: e.PN,
		MsgNumber:    e.Ns,
	}
	e.Ns++
	e.State = Active
	return mk, h, nil
}

func (e *epoch) stepSending(r io.Reader) error {
	priv, pub, err := dh.GenerateX25519(r)
	if err != nil {
		return err
	}
	shared, err := dh.X25519SharedSecret(priv, e.DHr)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}
	defer memguard.WipeBytes(shared)

	rk, ck, err := KDFRootKey(e.RootKey, shared)
	if err != nil {
		return err
	}
	replaceKey(&e.RootKey, rk)
	replaceKey(&e.SendingChainKey, ck)

	memguard.WipeBytes(e.DHsPriv[:])
	e.DHsPriv, e.DHsPub, e.HasDHs = priv, pub, true
	e.PN = e.Ns
	e.Ns = 0
	return nil
}

// advanceReceiving derives the message key for header h, ratcheting and
// caching skipped keys as needed.
func (e *epoch) advanceReceiving(pub [32]byte, h model.Header, r io.Reader) ([]byte, error) {
	if mk, ok := e.takeSkipped(pub, h.MsgNumber); ok {
		e.State = Active
		return mk, nil
	}

	rc := e.retired(pub)
	switch {
	case e.HasDHr && equal32(pub, e.DHr):
		if h.MsgNumber < e.Nr {
			return nil, e.behind(h.MsgNumber)
		}
	case rc != nil:
		return nil, e.behindRetired(rc, h.MsgNumber)
	default:
		if !e.HasDHs {
			return nil, fmt.Errorf("unexpected ratchet key: %w", model.ErrAuthenticationFailed)
		}
		if e.ReceivingChainKey != nil {
			if err := e.skipTo(h.PrevChainLen); err != nil {
				return nil, err
			}
		}
		if err := e.stepReceiving(pub, r); err != nil {
			return nil, err
		}
	}

	if h.MsgNumber == math.MaxUint32 {
		return nil, model.ErrRatchetExhausted
	}
	if err := e.skipTo(h.MsgNumber); err != nil {
		return nil, err
	}

	next, mk := KDFChainKey(e.ReceivingChainKey)
	replaceKey(&e.ReceivingChainKey, next)
	e.Nr = h.MsgNumber + 1
	e.State = Active
	return mk, nil
}

// stepReceiving is the full DH ratchet step on seeing a new remote key.
func (e *epoch) stepReceiving(pub [32]byte, r io.Reader) error {
	shared, err := dh.X25519SharedSecret(e.DHsPriv, pub)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}
	rk, ck, err := KDFRootKey(e.RootKey, shared)
	memguard.WipeBytes(shared)
	if err != nil {
		return err
	}
	replaceKey(&e.RootKey, rk)
	replaceKey(&e.ReceivingChainKey, ck)

	if e.HasDHr {
		e.retire(retiredChain{DH: e.DHr, Start: e.ChainStart, Len: e.Nr})
		e.ChainStart += uint64(e.Nr)
	}
	e.DHr, e.HasDHr = pub, true
	e.Nr = 0

	return e.stepSending(r)
}

func (e *epoch) behind(n uint32) error {
	if e.Nr-n > e.Window {
		return fmt.Errorf("message %d, receive position %d: %w", n, e.Nr, model.ErrMessageTooOld)
	}
	return fmt.Errorf("message %d: %w", n, model.ErrReplayOrExpiredKey)
}

// behindRetired classifies message n of a retired chain the same way behind
// does for the current one, measuring the distance in receive positions
// across chains.
func (e *epoch) behindRetired(rc *retiredChain, n uint32) error {
	if n >= rc.Len {
		return fmt.Errorf("message %d past the end of a retired chain: %w", n, model.ErrReplayOrExpiredKey)
	}
	pos := e.ChainStart + uint64(e.Nr)
	if pos-(rc.Start+uint64(n)) > uint64(e.Window) {
		return fmt.Errorf("message %d of a retired chain, %d positions back: %w", n, pos-(rc.Start+uint64(n)), model.ErrMessageTooOld)
	}
	return fmt.Errorf("message %d of a retired chain: %w", n, model.ErrReplayOrExpiredKey)
}

// skipTo caches message keys for positions [Nr, until) of the receiving chain.
func (e *epoch) skipTo(until uint32) error {
	if until <= e.Nr {
		return nil
	}
	if e.ReceivingChainKey == nil {
		return fmt.Errorf("no receiving chain: %w", model.ErrAuthenticationFailed)
	}
	if until-e.Nr > e.Window {
		return fmt.Errorf("gap of %d exceeds window %d: %w", until-e.Nr, e.Window, model.ErrTooManySkipped)
	}

	for e.Nr < until {
		next, mk := KDFChainKey(e.ReceivingChainKey)
		replaceKey(&e.ReceivingChainKey, next)
		e.Skipped = append(e.Skipped, skippedKey{DH: e.DHr, N: e.Nr, Key: mk})
		e.Nr++
	}

	for len(e.Skipped) > int(e.Window) {
		memguard.WipeBytes(e.Skipped[0].Key)
		e.Skipped = e.Skipped[1:]
	}
	return nil
}

func (e *epoch) takeSkipped(pub [32]byte, n uint32) ([]byte, bool) {
	for i, sk := range e.Skipped {
		if sk.N == n && equal32(sk.DH, pub) {
			e.Skipped = append(e.Skipped[:i:i], e.Skipped[i+1:]...)
			return sk.Key, true
		}
	}
	return nil, false
}

func (e *epoch) retire(rc retiredChain) {
	e.Retired = append(e.Retired, rc)
	if len(e.Retired) > maxRetired {
		e.Retired = e.Retired[len(e.Retired)-maxRetired:]
	}
}

func (e *epoch) retired(pub [32]byte) *retiredChain {
	for i := range e.Retired {
		if equal32(e.Retired[i].DH, pub) {
			return &e.Retired[i]
		}
	}
	return nil
}

func equal32(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
