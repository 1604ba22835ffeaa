package messenger

import (
	"context"
	"errors"
	"fmt"

	"securemsg/internal/model"
	"securemsg/internal/protocol/envelope"
	"securemsg/internal/repository/store"
	"securemsg/internal/utils/log"

	"go.uber.org/zap"
)

func (m *Messenger) groupsKey() string {
	return "groups/" + m.userID
}

func (m *Messenger) saveGroups(ctx context.Context) error {
	data, err := m.groups.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot groups: %w", err)
	}
	return m.store.Put(ctx, m.groupsKey(), data)
}

func (m *Messenger) loadGroups(ctx context.Context) error {
	data, err := m.store.Get(ctx, m.groupsKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.groups.Restore(data)
}

// afterGroupChange persists group state and passes err through. Group
// operations keep their local effect when distribution partly fails.
func (m *Messenger) afterGroupChange(ctx context.Context, err error) error {
	if serr := m.saveGroups(ctx); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// CreateGroup starts a conversation with members and sends them its first
// key.
func (m *Messenger) CreateGroup(ctx context.Context, conversationID string, members []string) (*model.GroupKey, error) {
	gk, err := m.groups.Create(ctx, conversationID, members)
	return gk, m.afterGroupChange(ctx, err)
}

func (m *Messenger) RotateGroupKey(ctx context.Context, conversationID string) (*model.GroupKey, error) {
	gk, err := m.groups.RotateGroupKey(ctx, conversationID)
	return gk, m.afterGroupChange(ctx, err)
}

// AddMember hands the current key, and only that one, to userID.
func (m *Messenger) AddMember(ctx context.Context, conversationID, userID string) error {
	return m.afterGroupChange(ctx, m.groups.AddMember(ctx, conversationID, userID))
}

// RemoveMember removes userID and rotates the key for everyone left.
func (m *Messenger) RemoveMember(ctx context.Context, conversationID, userID string) (*model.GroupKey, error) {
	gk, err := m.groups.RemoveMember(ctx, conversationID, userID)
	return gk, m.afterGroupChange(ctx, err)
}

func (m *Messenger) GroupMembers(conversationID string) ([]string, error) {
	return m.groups.Members(conversationID)
}

// DistributeGroupKey sends grant to every device of userID over the
// pairwise sessions.
func (m *Messenger) DistributeGroupKey(ctx context.Context, userID string, grant *model.GroupKeyGrant) error {
	convs, err := m.conversationsOf(ctx, userID)
	if err != nil {
		return err
	}

	payload := &model.Payload{
		Kind:           model.PayloadGroupKey,
		ConversationID: grant.ConversationID,
		GroupKey:       grant,
	}

	var errs []error
	for _, c := range convs {
		env, _, err := m.seal(ctx, c, payload, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.sendDirect(ctx, c.addr, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Messenger) EncryptGroupMessage(ctx context.Context, conversationID string, plaintext []byte) (*model.GroupEnvelope, error) {
	id, err := m.keys.Primary()
	if err != nil {
		return nil, err
	}
	return m.groups.Seal(conversationID, plaintext, id.KeyID, id.SignPriv)
}

// DecryptGroupMessage verifies the sender and decrypts with the exact key
// version the envelope names.
func (m *Messenger) DecryptGroupMessage(ctx context.Context, env *model.GroupEnvelope) (*model.DecryptedMessage, error) {
	vk, err := m.verificationKey(ctx, env.SenderKeyID)
	if err != nil {
		log.Warn("message could not be verified", zap.Stringer("sender_key_id", env.SenderKeyID))
		return nil, err
	}

	pt, err := m.groups.Open(env, vk.UserID, vk.SigningKey)
	if err != nil {
		if errors.Is(err, model.ErrInvalidSignature) {
			log.Warn("message could not be verified", zap.Stringer("sender_key_id", env.SenderKeyID))
		}
		return nil, err
	}

	return &model.DecryptedMessage{
		Kind:           model.PayloadText,
		Plaintext:      pt,
		SenderUserID:   vk.UserID,
		SenderDeviceID: vk.DeviceID,
		SenderKeyID:    vk.KeyID,
		ConversationID: env.ConversationID,
		Verified:       true,
	}, nil
}

// SendGroup encrypts once under the group key and delivers the envelope to
// every device of every other member.
func (m *Messenger) SendGroup(ctx context.Context, conversationID string, plaintext []byte) error {
	env, err := m.EncryptGroupMessage(ctx, conversationID, plaintext)
	if err != nil {
		return err
	}
	data, err := envelope.MarshalGroup(env)
	if err != nil {
		return err
	}
	members, err := m.groups.Members(conversationID)
	if err != nil {
		return err
	}

	var errs []error
	for _, u := range members {
		if u == m.userID {
			continue
		}
		convs, err := m.conversationsOf(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, c := range convs {
			if err := m.send(ctx, c.addr, model.PacketGroup, data); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
