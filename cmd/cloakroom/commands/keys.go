package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	var replenish int
	var rotateFallback bool

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and replenish the one-time key pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := restore(); err != nil {
				return err
			}

			if replenish > 0 {
				if _, err := machine.Account.ReplenishOneTimeKeys(replenish); err != nil {
					return err
				}
				fmt.Printf("Minted %d one-time keys.\n", replenish)
			}
			if rotateFallback {
				if _, err := machine.Account.ReplaceFallbackKey(); err != nil {
					return err
				}
				fmt.Println("Fallback key replaced.")
			}
			if (replenish > 0 || rotateFallback) && serverURL != "" {
				if err := machine.Coordinator.UploadDeviceKeys(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("Uploaded to key server.")
			}
			if replenish > 0 || rotateFallback {
				if err := machine.Persist(storageKey); err != nil {
					return err
				}
			}

			fmt.Printf("Live one-time keys: %d\n", machine.Account.LiveKeyCount())
			fmt.Printf("Unpublished keys:   %d\n", machine.Account.UnpublishedKeyCount())
			return nil
		},
	}

	cmd.Flags().IntVar(&replenish, "replenish", 0, "mint this many fresh one-time keys")
	cmd.Flags().BoolVar(&rotateFallback, "rotate-fallback", false, "replace the fallback key")
	return cmd
}
