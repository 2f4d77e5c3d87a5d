package app

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"cloakroom/internal/domain"
	"cloakroom/internal/services/account"
	"cloakroom/internal/services/distribution"
	"cloakroom/internal/services/group"
	"cloakroom/internal/services/pairwise"
	"cloakroom/internal/services/router"
	"cloakroom/internal/store"
	"cloakroom/internal/transport"
)

// New constructs the engine dependency graph from cfg.
func New(cfg Config) (*Machine, error) {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	client := transport.NewHTTP(cfg.ServerURL, httpClient)

	acct := account.New(account.Config{
		DeviceID:        cfg.DeviceID,
		OneTimeKeyCount: cfg.OneTimeKeyCount,
	})
	pw := pairwise.New(acct)
	groups := group.New(acct, cfg.Rotation)
	coord := distribution.New(cfg.Distribution, acct, pw, groups, client, client, log)
	rt := router.New(cfg.Pending, pw, groups, log)

	m := &Machine{
		Account:     acct,
		Pairwise:    pw,
		Groups:      groups,
		Coordinator: coord,
		Router:      rt,
		Blobs:       store.NewBlobStore(cfg.Home),
		log:         log,
	}

	// Every imported room key immediately drains the pending queue for the
	// session it unlocks. Sweep recoveries surface through the same handler.
	coord.SetImportHook(func(room domain.RoomID, id domain.SessionID) {
		m.retryRecovered(room, id)
	})
	rt.SetRecoveredHandler(m.notifyRecovered)
	return m, nil
}
