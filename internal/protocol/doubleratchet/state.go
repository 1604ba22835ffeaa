package doubleratchet

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"securemsg/internal/cryptographic/dh"
	"securemsg/internal/model"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
)

const DefaultSkipWindow uint32 = 1000

type (
	Options struct {
		// SkipWindow bounds the skipped-key cache, the largest gap a single
		// message may open and how far behind the receive position a
		// message may arrive.
		SkipWindow uint32
		// Rand is the entropy source for ratchet key pairs.
		Rand io.Reader
	}

	// SealFunc encrypts with the message key for header h. The key is wiped
	// once the function returns.
	SealFunc func(h model.Header, messageKey []byte) error

	// OpenFunc decrypts with the derived message key. Returning an error
	// leaves the session exactly as it was.
	OpenFunc func(messageKey []byte) error

	// Session is one pairwise Double Ratchet session. Send and Receive are
	// serialized per session; different sessions are independent.
	Session struct {
		mu   sync.Mutex
		head *epoch
		rand io.Reader
	}
)

func (o Options) withDefaults() Options {
	if o.SkipWindow == 0 {
		o.SkipWindow = DefaultSkipWindow
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	return o
}

// NewInitiatorSession seeds the session of the side that ran the key
// agreement. Its ephemeral pair becomes the first sending ratchet pair.
func NewInitiatorSession(rootKey, chainKey []byte, ratchetPriv, ratchetPub [32]byte, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		rand: opts.Rand,
		head: &epoch{
			State:           AwaitingFirstMessage,
			RootKey:         bytes.Clone(rootKey),
			DHsPriv:         ratchetPriv,
			DHsPub:          ratchetPub,
			HasDHs:          true,
			SendingChainKey: bytes.Clone(chainKey),
			Window:          opts.SkipWindow,
		},
	}
}

// NewResponderSession seeds the receiving side from the initiator's first
// ratchet key. It has no sending chain until it first replies.
func NewResponderSession(rootKey, chainKey []byte, remoteRatchet [32]byte, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		rand: opts.Rand,
		head: &epoch{
			State:             AwaitingFirstMessage,
			RootKey:           bytes.Clone(rootKey),
			DHr:               remoteRatchet,
			HasDHr:            true,
			ReceivingChainKey: bytes.Clone(chainKey),
			Window:            opts.SkipWindow,
		},
	}
}

func (s *Session) commit(next *epoch) {
	next.Seq = s.head.Seq + 1
	old := s.head
	s.head = next
	old.wipe()
}

// Send derives the next message key and header and hands them to seal. The
// new epoch is committed only if seal succeeds.
func (s *Session) Send(seal SealFunc) (model.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.head.clone()
	mk, h, err := next.advanceSending(s.rand)
	if err != nil {
		next.wipe()
		return model.Header{}, err
	}
	defer memguard.WipeBytes(mk)

	if err := seal(h, mk); err != nil {
		next.wipe()
		return model.Header{}, err
	}

	s.commit(next)
	return h, nil
}

// Receive derives the message key for h and hands it to open. The new epoch
// is committed only if open succeeds.
func (s *Session) Receive(h model.Header, open OpenFunc) error {
	pub, err := dh.ToKey(h.DHPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedEnvelope, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.head.clone()
	mk, err := next.advanceReceiving(pub, h, s.rand)
	if err != nil {
		next.wipe()
		return err
	}
	defer memguard.WipeBytes(mk)

	if err := open(mk); err != nil {
		next.wipe()
		return err
	}

	s.commit(next)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head.State
}

// Seq is the sequence number of the committed epoch.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head.Seq
}

// AwaitingReply reports whether no message from the peer has been seen yet.
func (s *Session) AwaitingReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.head.HasDHr
}

func (s *Session) SkippedKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.head.Skipped)
}

// Snapshot encodes the committed epoch for storage along with its sequence
// number.
func (s *Session) Snapshot() ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := cbor.Marshal(s.head)
	if err != nil {
		return nil, 0, fmt.Errorf("cbor.Marshal: %w", err)
	}
	return data, s.head.Seq, nil
}

// Restore decodes a snapshot. Inconsistent state is reported as
// model.ErrSessionCorrupted and must be discarded, never repaired.
func Restore(data []byte, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	var e epoch
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSessionCorrupted, err)
	}
	if err := e.validate(); err != nil {
		e.wipe()
		return nil, fmt.Errorf("%w: %v", model.ErrSessionCorrupted, err)
	}
	return &Session{head: &e, rand: opts.Rand}, nil
}
