package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cloakroom/internal/domain"
)

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <room>",
		Short: "Discard a room's outbound session and start a fresh one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := restore(); err != nil {
				return err
			}
			room := domain.RoomID(args[0])
			export, err := machine.Groups.RotateOutbound(room)
			if err != nil {
				return err
			}
			if err := machine.Persist(storageKey); err != nil {
				return err
			}
			fmt.Printf("Rotated room %s, new session %s.\n", room, export.SessionID)
			fmt.Println("Share the new key before sending.")
			return nil
		},
	}
}
