package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := restore(); err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", machine.Account.Fingerprint())
			return nil
		},
	}
}
