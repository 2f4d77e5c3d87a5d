package app

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"cloakroom/internal/services/distribution"
	"cloakroom/internal/services/group"
	"cloakroom/internal/services/router"
)

// Config holds runtime wiring options for building the engine.
type Config struct {
	Home      string       // state directory, e.g. $HOME/.cloakroom
	ServerURL string       // key server base URL, e.g. http://127.0.0.1:8080
	DeviceID  string       // this device's id, stable across restarts
	HTTP      *http.Client // optional; defaults to http.DefaultClient

	OneTimeKeyCount int // initial pool size; 0 means the account default

	Rotation     group.Config        // room key rotation policy
	Distribution distribution.Config // claim retry and share timeouts
	Pending      router.Config       // pending-decryption queue limits

	Log logrus.FieldLogger // optional; defaults to the standard logger
}
