package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/torlnapp/mls/store"
)

func backupCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write every stored group to a JSON backup",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			st, closer, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closer()) }()

			data, err := store.Backup(cmd.Context(), st)
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0600)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	return cmd
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <backup.json>",
		Short: "Load groups from a JSON backup into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			st, closer, err := openStore()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closer()) }()

			n, err := store.Restore(cmd.Context(), data, st)
			if err != nil {
				return err
			}

			fmt.Printf("restored %d groups\n", n)
			return nil
		},
	}
	return cmd
}
