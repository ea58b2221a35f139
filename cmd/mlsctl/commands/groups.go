package commands

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/torlnapp/mls"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List stored groups",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			st, closer, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closer()) }()

			ids, err := st.GroupIDs(cmd.Context())
			if err != nil {
				return err
			}

			for _, id := range ids {
				fmt.Println(hex.EncodeToString(id))
			}
			return nil
		},
	}
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <group-id-hex>",
		Short: "Print the current epoch and members of a stored group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			groupID, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("group id: %w", err)
			}

			st, closer, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closer()) }()

			data, err := st.Load(cmd.Context(), groupID)
			if err != nil {
				return err
			}

			state, err := mls.DecodeState(data, config())
			if err != nil {
				return err
			}

			fmt.Printf("group:  %x\n", state.GroupID)
			fmt.Printf("suite:  %v\n", state.CipherSuite)
			fmt.Printf("epoch:  %d\n", state.Epoch)
			fmt.Printf("index:  %d\n", state.Index)
			fmt.Printf("auth:   %x\n", state.EpochAuthenticator())
			for _, m := range state.Members() {
				fmt.Printf("member: %d %q\n", m.Index, m.Credential.Identity())
			}
			return nil
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var label string
	var context string
	var length int

	cmd := &cobra.Command{
		Use:   "export <group-id-hex>",
		Short: "Derive an exported secret from a group's current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			groupID, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("group id: %w", err)
			}

			st, closer, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closer()) }()

			g, err := mls.LoadGroup(cmd.Context(), groupID, config(), st)
			if err != nil {
				return err
			}
			defer g.Close(cmd.Context())

			secret, err := g.ExportSecret(label, []byte(context), length)
			if err != nil {
				return err
			}

			fmt.Println(hex.EncodeToString(secret))
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "exporter label")
	cmd.Flags().StringVar(&context, "context", "", "exporter context")
	cmd.Flags().IntVar(&length, "length", 32, "secret length in bytes")
	return cmd
}
