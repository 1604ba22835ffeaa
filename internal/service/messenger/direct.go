package messenger

import (
	"bytes"
	"context"
	"fmt"

	"securemsg/internal/model"
	"securemsg/internal/protocol/attachment"
	"securemsg/internal/protocol/envelope"
	"securemsg/internal/utils/log"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// EncryptMessage encrypts plaintext and files for the device at peer
// ("user/device"), which is also the id of the direct conversation. The
// attachment ciphertexts are returned for out-of-band upload; their keys
// travel inside the envelope.
func (m *Messenger) EncryptMessage(ctx context.Context, peer string, plaintext []byte, files []model.File) (*model.MessageEnvelope, []*model.EncryptedFile, error) {
	c, err := m.sessionFor(ctx, peer)
	if err != nil {
		return nil, nil, err
	}
	return m.seal(ctx, c, &model.Payload{Kind: model.PayloadText, Body: plaintext}, files)
}

// Send encrypts for peer and hands the envelope to the transport.
func (m *Messenger) Send(ctx context.Context, peer string, plaintext []byte, files []model.File) ([]*model.EncryptedFile, error) {
	env, blobs, err := m.EncryptMessage(ctx, peer, plaintext, files)
	if err != nil {
		return nil, err
	}
	if err := m.sendDirect(ctx, peer, env); err != nil {
		return nil, err
	}
	return blobs, nil
}

func (m *Messenger) sendDirect(ctx context.Context, to string, env *model.MessageEnvelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return m.send(ctx, to, model.PacketDirect, data)
}

func (m *Messenger) seal(ctx context.Context, c *conversation, payload *model.Payload, files []model.File) (*model.MessageEnvelope, []*model.EncryptedFile, error) {
	local, err := m.keys.Identity(c.localKeyID)
	if err != nil {
		return nil, nil, err
	}
	if !local.Active() {
		return nil, nil, fmt.Errorf("identity %s is revoked: %w", local.KeyID, model.ErrUnknownKey)
	}

	env := &model.MessageEnvelope{
		SenderKeyID:       local.KeyID,
		EncryptionVersion: model.EncryptionVersion,
	}
	if c.handshake != nil && c.ratchet.AwaitingReply() {
		hs := *c.handshake
		env.Handshake = &hs
	}

	var blobs []*model.EncryptedFile
	_, err = c.ratchet.Send(func(h model.Header, mk []byte) error {
		env.RatchetHeader = h

		p := *payload
		p.Attachments = nil
		blobs = blobs[:0]
		for _, f := range files {
			ef, kb, err := attachment.EncryptFile(f, mk)
			if err != nil {
				return err
			}
			blobs = append(blobs, ef)
			p.Attachments = append(p.Attachments, *kb)
		}

		data, err := cbor.Marshal(&p)
		if err != nil {
			return fmt.Errorf("cbor.Marshal payload: %w", err)
		}
		return envelope.Seal(env, data, mk)
	})
	if err != nil {
		return nil, nil, err
	}
	envelope.Sign(env, local.SignPriv)

	if err := m.persist(ctx, c); err != nil {
		log.Error("persist session failed", zap.String("address", c.addr), zap.Error(err))
	}
	return env, blobs, nil
}

// DecryptMessage verifies the sender's signature, then advances the
// matching session and decrypts. Nothing is decrypted for an envelope whose
// signature does not check out, and a failed decryption leaves the session
// untouched.
func (m *Messenger) DecryptMessage(ctx context.Context, env *model.MessageEnvelope) (*model.DecryptedMessage, error) {
	vk, err := m.verificationKey(ctx, env.SenderKeyID)
	if err != nil {
		log.Warn("message could not be verified", zap.Stringer("sender_key_id", env.SenderKeyID))
		return nil, err
	}
	if err := envelope.Verify(env, vk.SigningKey); err != nil {
		log.Warn("message could not be verified", zap.Stringer("sender_key_id", env.SenderKeyID))
		return nil, err
	}

	c, fresh, err := m.receivingConversation(ctx, vk, env.Handshake)
	if err != nil {
		return nil, err
	}

	var (
		payload model.Payload
		out     *model.DecryptedMessage
	)
	err = c.ratchet.Receive(env.RatchetHeader, func(mk []byte) error {
		pt, err := envelope.Open(env, mk)
		if err != nil {
			return err
		}
		if err := cbor.Unmarshal(pt, &payload); err != nil {
			return fmt.Errorf("%w: payload: %v", model.ErrMalformedEnvelope, err)
		}

		out = &model.DecryptedMessage{
			Kind:           payload.Kind,
			Plaintext:      payload.Body,
			SenderUserID:   vk.UserID,
			SenderDeviceID: vk.DeviceID,
			SenderKeyID:    vk.KeyID,
			ConversationID: c.addr,
			Verified:       true,
		}
		for _, kb := range payload.Attachments {
			fk, err := attachment.UnwrapFileKey(&kb, mk)
			if err != nil {
				return err
			}
			meta, err := attachment.DecryptMeta(&kb, fk)
			if err != nil {
				return err
			}
			out.Attachments = append(out.Attachments, model.ReceivedAttachment{Bundle: kb, FileKey: fk, Meta: meta})
		}
		return nil
	})
	if err != nil {
		log.Debug("message rejected", zap.String("from", c.addr), zap.Error(err))
		return nil, err
	}

	if fresh {
		if err := m.keys.AcceptHandshake(env.Handshake); err != nil {
			log.Warn("handshake rejected", zap.String("from", c.addr), zap.Error(err))
			return nil, err
		}
		if err := m.keys.Save(ctx); err != nil {
			log.Error("save identities failed", zap.Error(err))
		}
		if err := m.addConversation(ctx, c); err != nil {
			log.Error("register session failed", zap.String("address", c.addr), zap.Error(err))
		}
		log.Info("session accepted", zap.Object("peer", vk))
	} else if err := m.persist(ctx, c); err != nil {
		log.Error("persist session failed", zap.String("address", c.addr), zap.Error(err))
	}

	if payload.Kind == model.PayloadGroupKey {
		if err := m.groups.Install(vk.UserID, payload.GroupKey); err != nil {
			return nil, err
		}
		if err := m.saveGroups(ctx); err != nil {
			log.Error("save groups failed", zap.Error(err))
		}
		out.ConversationID = payload.GroupKey.ConversationID
	}
	return out, nil
}

// receivingConversation picks the session an envelope from peer belongs to.
// A handshake that did not create the current session starts a new one.
func (m *Messenger) receivingConversation(ctx context.Context, peer *model.RemoteKey, hs *model.Handshake) (*conversation, bool, error) {
	addr := peerAddress(peer)
	if c := m.activeConversation(ctx, addr); c != nil && c.peer.KeyID == peer.KeyID {
		if hs == nil || bytes.Equal(hs.EphemeralKey, c.origin) {
			return c, false, nil
		}
	}
	if hs == nil {
		return nil, false, fmt.Errorf("no session with %s: %w", addr, model.ErrNoSession)
	}

	c, err := m.respond(peer, hs)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// OpenAttachment decrypts an attachment blob with the key delivered in a
// message.
func OpenAttachment(ciphertext []byte, a model.ReceivedAttachment) ([]byte, error) {
	return attachment.DecryptWithFileKey(ciphertext, &a.Bundle, a.FileKey)
}
