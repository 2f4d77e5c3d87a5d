package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"cloakroom/internal/app"
)

const keyringService = "cloakroom"

var (
	home      string
	serverURL string
	deviceID  string

	machine    *app.Machine
	storageKey string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "cloakroom",
		Short: "End-to-end encrypted session engine CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".cloakroom")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if deviceID == "" {
				deviceID = defaultDeviceID()
			}

			var err error
			machine, err = app.New(app.Config{
				Home:      home,
				ServerURL: serverURL,
				DeviceID:  deviceID,
			})
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.cloakroom)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "key server base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "device id (default hostname)")

	root.AddCommand(initCmd(), keysCmd(), statusCmd(), fingerprintCmd(), rotateCmd())
	return root.Execute()
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cloakroom-device"
	}
	return host
}

// loadStorageKey fetches the blob encryption key from the OS keyring.
func loadStorageKey() error {
	key, err := keyring.Get(keyringService, deviceID)
	if err != nil {
		return fmt.Errorf("storage key for %q not found, run init first: %w", deviceID, err)
	}
	storageKey = key
	return nil
}

// createStorageKey mints a fresh blob encryption key and stores it in the OS
// keyring. Refuses to overwrite an existing key.
func createStorageKey() error {
	if _, err := keyring.Get(keyringService, deviceID); err == nil {
		return fmt.Errorf("storage key for %q already exists", deviceID)
	}
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return err
	}
	storageKey = hex.EncodeToString(raw[:])
	return keyring.Set(keyringService, deviceID, storageKey)
}

// restore loads the persisted account. Missing state is an error for every
// command except init.
func restore() error {
	if err := loadStorageKey(); err != nil {
		return err
	}
	ok, err := machine.Restore(storageKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no account found in %s, run init first", home)
	}
	return nil
}
