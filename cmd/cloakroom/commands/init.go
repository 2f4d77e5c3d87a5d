package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var oneTimeKeys int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate device keys and store the account securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := createStorageKey(); err != nil {
				return err
			}
			bundle, err := machine.Account.GenerateKeys(oneTimeKeys)
			if err != nil {
				return err
			}
			if serverURL != "" {
				if err := machine.Coordinator.UploadDeviceKeys(cmd.Context()); err != nil {
					return err
				}
			}
			if err := machine.Persist(storageKey); err != nil {
				return err
			}
			fmt.Printf("Account created for device %q.\n", deviceID)
			fmt.Printf("Fingerprint: %s\n", machine.Account.Fingerprint())
			fmt.Printf("One-time keys: %d\n", len(bundle.OneTimeKeys))
			return nil
		},
	}

	cmd.Flags().IntVar(&oneTimeKeys, "one-time-keys", 0, "initial one-time key count (default 50)")
	return cmd
}
