package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := restore(); err != nil {
				return err
			}
			fmt.Printf("Device:            %s\n", machine.Account.DeviceID())
			fmt.Printf("Fingerprint:       %s\n", machine.Account.Fingerprint())
			fmt.Printf("Pairwise sessions: %d\n", machine.Pairwise.SessionCount())
			fmt.Printf("Inbound sessions:  %d\n", machine.Groups.InboundSessionCount())
			fmt.Printf("Pending messages:  %d\n", machine.Router.PendingCount())
			fmt.Printf("Live one-time keys: %d\n", machine.Account.LiveKeyCount())
			return nil
		},
	}
}
