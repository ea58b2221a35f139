package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/torlnapp/mls"
)

func demoCmd() *cobra.Command {
	var groupHex string
	var seedHex string
	var suite uint16

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a two-member add, update, remove scenario",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			groupID, err := hex.DecodeString(groupHex)
			if err != nil {
				return fmt.Errorf("group id: %w", err)
			}

			cfg := config()
			if seedHex != "" {
				seed, err := hex.DecodeString(seedHex)
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				cfg.Random, err = mls.NewSeededRandom(seed)
				if err != nil {
					return err
				}
			}

			st, closer, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closer()) }()

			return runDemo(cmd.Context(), groupID, mls.CipherSuite(suite), cfg, st)
		},
	}

	cmd.Flags().StringVar(&groupHex, "group", "00010203", "group id in hex")
	cmd.Flags().StringVar(&seedHex, "seed", "", "32-byte hex seed for deterministic keys")
	cmd.Flags().Uint16Var(&suite, "suite", uint16(mls.X25519_AES128GCM_SHA256_Ed25519), "cipher suite")
	return cmd
}

func runDemo(ctx context.Context, groupID []byte, suite mls.CipherSuite, cfg mls.Config, st mls.GroupStore) (err error) {
	alice, err := mls.NewIdentity(suite, []byte("alice"), cfg.Random)
	if err != nil {
		return err
	}
	bob, err := mls.NewIdentity(suite, []byte("bob"), cfg.Random)
	if err != nil {
		return err
	}

	aliceReg := mls.NewRegistry(st, cfg)
	bobReg := mls.NewRegistry(mls.NewMemoryStore(), cfg)
	defer func() { err = errors.Join(err, closeRegistries(ctx, aliceReg, bobReg)) }()

	a, err := aliceReg.Create(ctx, groupID, alice, mls.NewExtensionList())
	if err != nil {
		return err
	}
	report("created", a)

	// Add
	kp, err := bob.NewKeyPackage(cfg.Random)
	if err != nil {
		return err
	}
	if _, err := a.ProposeAdd(ctx, kp.KeyPackage); err != nil {
		return err
	}
	_, welcome, err := a.Commit(ctx, mls.CommitOptions{})
	if err != nil {
		return err
	}
	if err := a.MergePendingCommit(ctx); err != nil {
		return err
	}
	b, err := bobReg.Join(ctx, bob, []mls.KeyPackageBundle{*kp}, *welcome)
	if err != nil {
		return err
	}
	report("bob joined", a)

	if err := agree(a, b); err != nil {
		return err
	}

	msg, err := a.CreateMessage(ctx, []byte("hello bob"), nil)
	if err != nil {
		return err
	}
	pm, err := b.Process(ctx, msg)
	if err != nil {
		return err
	}
	fmt.Printf("bob read: %q\n", pm.ApplicationData)

	// Update
	proposal, err := b.ProposeUpdate(ctx)
	if err != nil {
		return err
	}
	if _, err := a.Process(ctx, proposal); err != nil {
		return err
	}
	update, _, err := a.Commit(ctx, mls.CommitOptions{})
	if err != nil {
		return err
	}
	if err := a.MergePendingCommit(ctx); err != nil {
		return err
	}
	if _, err := b.Process(ctx, update); err != nil {
		return err
	}
	report("bob updated", a)

	if err := agree(a, b); err != nil {
		return err
	}

	// Remove
	if _, err := a.ProposeRemove(ctx, b.Index()); err != nil {
		return err
	}
	remove, _, err := a.Commit(ctx, mls.CommitOptions{})
	if err != nil {
		return err
	}
	if err := a.MergePendingCommit(ctx); err != nil {
		return err
	}
	if _, err := b.Process(ctx, remove); err != nil {
		fmt.Printf("bob: %v\n", err)
	}
	report("bob removed", a)
	return nil
}

// closeRegistries closes every registry and reports all failed saves.
func closeRegistries(ctx context.Context, regs ...*mls.Registry) error {
	errs := make([]error, 0, len(regs))
	for _, r := range regs {
		errs = append(errs, r.CloseAll(ctx))
	}
	return errors.Join(errs...)
}

func agree(a, b *mls.Group) error {
	if a.Epoch() != b.Epoch() || !bytes.Equal(a.EpochAuthenticator(), b.EpochAuthenticator()) {
		return fmt.Errorf("members disagree at epoch %d", a.Epoch())
	}
	return nil
}

func report(step string, g *mls.Group) {
	fmt.Printf("%-12s epoch %d, %d members, auth %x\n", step, g.Epoch(), len(g.Members()), g.EpochAuthenticator())
}
