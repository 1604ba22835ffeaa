package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/service/messenger"
	"securemsg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultLinger   = time.Second
	refreshInterval = time.Hour
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the device identity and publish its bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			return printBundle(s.m)
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the current identity key and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			return printBundle(s.m)
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new-identity",
		Short: "Generate a fresh identity for this device and make it current",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if _, err := s.m.GenerateIdentity(cmd.Context()); err != nil {
				return err
			}
			return printBundle(s.m)
		},
	}
}

func printBundle(m *messenger.Messenger) error {
	b, err := m.Bundle()
	if err != nil {
		return err
	}
	fmt.Printf("Address:     %s\n", m.Address())
	fmt.Printf("Key ID:      %s\n", b.KeyID)
	fmt.Printf("Fingerprint: %s\n", model.Fingerprint(b.SigningKey))
	return nil
}

func sendCmd() *cobra.Command {
	var (
		files []string
		blobs string
	)
	cmd := &cobra.Command{
		Use:   "send [user/device] [message]",
		Short: "Send an encrypted message to one device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			attachments, err := readFiles(files)
			if err != nil {
				return err
			}

			s, err := open(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			encrypted, err := s.m.Send(ctx, args[0], []byte(args[1]), attachments)
			if err != nil {
				return err
			}
			for _, f := range encrypted {
				path := filepath.Join(blobs, f.ID.String())
				if err := os.WriteFile(path, f.Ciphertext, 0o600); err != nil {
					return fmt.Errorf("write attachment blob: %w", err)
				}
				fmt.Printf("attachment blob %s\n", path)
			}
			linger(ctx, s, defaultLinger, blobs)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().StringVar(&blobs, "blobs", ".", "directory for encrypted attachment blobs")
	return cmd
}

func readFiles(paths []string) ([]model.File, error) {
	res := make([]model.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, model.File{
			Data: data,
			Meta: model.AttachmentMeta{
				Filename: filepath.Base(p),
				MIMEType: mime.TypeByExtension(filepath.Ext(p)),
			},
		})
	}
	return res, nil
}

func listenCmd() *cobra.Command {
	var blobs string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			go refreshLoop(cmd.Context(), s.m)

			fmt.Printf("listening as %s\n", s.m.Address())
			err = s.m.Listen(cmd.Context(), printer(blobs))
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&blobs, "blobs", ".", "directory holding encrypted attachment blobs")
	return cmd
}

// refreshLoop keeps prekeys fresh for as long as a device stays online.
func refreshLoop(ctx context.Context, m *messenger.Messenger) {
	t := time.NewTicker(refreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.RefreshPreKeys(ctx); err != nil {
				log.Warn("prekey refresh failed", zap.Error(err))
			}
		}
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the signed prekey if due and top up one-time prekeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.m.RefreshPreKeys(cmd.Context()); err != nil {
				return err
			}
			return printBundle(s.m)
		},
	}
}

// printer writes messages to stdout and decrypts any attachment whose blob
// is found under blobs.
func printer(blobs string) messenger.Handler {
	return func(_ context.Context, msg *model.DecryptedMessage) {
		if msg.Kind == model.PayloadGroupKey {
			fmt.Printf("[%s] new group key from %s/%s\n", msg.ConversationID, msg.SenderUserID, msg.SenderDeviceID)
			return
		}
		fmt.Printf("[%s] %s/%s: %s\n", msg.ConversationID, msg.SenderUserID, msg.SenderDeviceID, msg.Plaintext)

		for _, a := range msg.Attachments {
			ct, err := os.ReadFile(filepath.Join(blobs, a.Bundle.ID.String()))
			if err != nil {
				fmt.Printf("  attachment %s: blob not available\n", a.Bundle.ID)
				continue
			}
			data, err := messenger.OpenAttachment(ct, a)
			if err != nil {
				fmt.Printf("  attachment %s: %v\n", a.Bundle.ID, err)
				continue
			}
			name := filepath.Base(a.Meta.Filename)
			if name == "." || name == string(filepath.Separator) || name == "" {
				name = a.Bundle.ID.String()
			}
			out := filepath.Join(blobs, "received-"+name)
			if err := os.WriteFile(out, data, 0o600); err != nil {
				fmt.Printf("  attachment %s: %v\n", a.Bundle.ID, err)
				continue
			}
			fmt.Printf("  attachment saved to %s (%d bytes)\n", out, len(data))
		}
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [key-id]",
		Short: "Revoke one of this device's identities or distrust a peer key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id: %w", err)
			}
			s, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.m.RevokeKey(cmd.Context(), keyID); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", keyID)
			return nil
		},
	}
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage group conversations",
	}

	// every group command may distribute keys, so all of them go online
	run := func(fn func(ctx context.Context, m *messenger.Messenger, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := fn(cmd.Context(), s.m, args); err != nil {
				return err
			}
			linger(cmd.Context(), s, defaultLinger, ".")
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create [conversation] [user...]",
			Short: "Create a group administered by this user",
			Args:  cobra.MinimumNArgs(1),
			RunE: run(func(ctx context.Context, m *messenger.Messenger, args []string) error {
				gk, err := m.CreateGroup(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("group %s created at key version %d\n", gk.ConversationID, gk.KeyVersion)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "add [conversation] [user]",
			Short: "Add a member and hand them the current key",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, m *messenger.Messenger, args []string) error {
				return m.AddMember(ctx, args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "remove [conversation] [user]",
			Short: "Remove a member and rotate the group key",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, m *messenger.Messenger, args []string) error {
				gk, err := m.RemoveMember(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("group %s now at key version %d\n", gk.ConversationID, gk.KeyVersion)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rotate [conversation]",
			Short: "Rotate the group key",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, m *messenger.Messenger, args []string) error {
				gk, err := m.RotateGroupKey(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("group %s now at key version %d\n", gk.ConversationID, gk.KeyVersion)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "members [conversation]",
			Short: "List group members",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := open(cmd.Context(), false)
				if err != nil {
					return err
				}
				defer s.Close()
				members, err := s.m.GroupMembers(args[0])
				if err != nil {
					return err
				}
				for _, u := range members {
					fmt.Println(u)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "send [conversation] [message]",
			Short: "Send a message to every member",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, m *messenger.Messenger, args []string) error {
				return m.SendGroup(ctx, args[0], []byte(args[1]))
			}),
		},
	)
	return cmd
}
