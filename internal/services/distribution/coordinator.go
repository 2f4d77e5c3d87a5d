package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"cloakroom/internal/domain"
	"cloakroom/internal/services/account"
	"cloakroom/internal/services/group"
	"cloakroom/internal/services/pairwise"
)

// Config bounds the claim retry behaviour and per-device network budget.
type Config struct {
	ClaimAttempts    int           // total attempts per device, default 4
	ClaimBackoffBase time.Duration // first retry delay, default 250ms
	ClaimBackoffMax  time.Duration // backoff cap, default 5s
	PerDeviceTimeout time.Duration // per network call, default 10s
}

func (c *Config) applyDefaults() {
	if c.ClaimAttempts == 0 {
		c.ClaimAttempts = 4
	}
	if c.ClaimBackoffBase == 0 {
		c.ClaimBackoffBase = 250 * time.Millisecond
	}
	if c.ClaimBackoffMax == 0 {
		c.ClaimBackoffMax = 5 * time.Second
	}
	if c.PerDeviceTimeout == 0 {
		c.PerDeviceTimeout = 10 * time.Second
	}
}

// ClaimOutcome is one device's result of ClaimOneTimeKeys. Err is nil on
// success; after the attempt limit it carries the final failure.
type ClaimOutcome struct {
	Device    domain.DeviceIdentity
	Key       domain.PublicOneTimeKey
	SessionID domain.SessionID
	Err       error
}

// ShareOutcome is one device's result of ShareRoomKey.
type ShareOutcome struct {
	Device  domain.DeviceIdentity
	Skipped bool // already holds the current session
	Err     error
}

// Coordinator moves key material between this device and its peers.
type Coordinator struct {
	cfg      Config
	account  *account.Service
	pairwise *pairwise.Store
	groups   *group.Manager
	client   domain.KeyServerClient
	sender   domain.ToDeviceSender
	log      logrus.FieldLogger

	mu       sync.Mutex
	devices  map[string]domain.DeviceIdentity            // identity key hex -> device
	shared   map[domain.SessionID]map[string]struct{}    // session -> device keys it was shared with
	onImport func(room domain.RoomID, id domain.SessionID)
}

// New wires a coordinator. log may not be nil; pass a silenced logger to mute.
func New(
	cfg Config,
	acct *account.Service,
	pw *pairwise.Store,
	groups *group.Manager,
	client domain.KeyServerClient,
	sender domain.ToDeviceSender,
	log logrus.FieldLogger,
) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:      cfg,
		account:  acct,
		pairwise: pw,
		groups:   groups,
		client:   client,
		sender:   sender,
		log:      log,
		devices:  make(map[string]domain.DeviceIdentity),
		shared:   make(map[domain.SessionID]map[string]struct{}),
	}
}

// RegisterDevices records peer devices and their trust flags. The registry is
// what incoming key shares are authenticated against.
func (c *Coordinator) RegisterDevices(devices ...domain.DeviceIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range devices {
		c.devices[d.IdentityKey.Hex()] = d
	}
}

// SetImportHook installs the callback fired after each successful room-key
// import, with the (room, session id) that just became decryptable.
func (c *Coordinator) SetImportHook(hook func(room domain.RoomID, id domain.SessionID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onImport = hook
}

// UploadDeviceKeys publishes the signed key bundle and marks its keys
// published locally.
func (c *Coordinator) UploadDeviceKeys(ctx context.Context) error {
	bundle, err := c.account.SignedBundle()
	if err != nil {
		return err
	}
	if err := c.client.UploadKeys(ctx, bundle); err != nil {
		return err
	}
	ids := make([]string, 0, len(bundle.OneTimeKeys)+1)
	for _, k := range bundle.OneTimeKeys {
		ids = append(ids, k.ID)
	}
	if bundle.FallbackKey != nil {
		ids = append(ids, bundle.FallbackKey.ID)
	}
	return c.account.MarkKeysPublished(ids...)
}

// ClaimOneTimeKeys claims one key per target device and bootstraps a pairwise
// session for every success. The first round is a single batch request;
// failed devices are then retried independently with capped exponential
// backoff until the attempt limit, after which they are reported unavailable.
// One device's cancellation or failure never affects another's progress.
func (c *Coordinator) ClaimOneTimeKeys(ctx context.Context, targets []domain.DeviceIdentity) []ClaimOutcome {
	outcomes := make([]ClaimOutcome, len(targets))
	for i, d := range targets {
		outcomes[i] = ClaimOutcome{Device: d}
	}

	pending := make([]int, 0, len(targets))
	batchCtx, cancel := context.WithTimeout(ctx, c.cfg.PerDeviceTimeout)
	claims, err := c.client.ClaimKeys(batchCtx, targets)
	cancel()
	if err != nil {
		c.log.WithError(err).Warn("batch key claim failed, retrying per device")
		for i := range targets {
			pending = append(pending, i)
		}
	} else {
		for i, claim := range claims {
			if claim.Err != nil {
				pending = append(pending, i)
				continue
			}
			outcomes[i].Key = claim.Key
		}
	}

	var g errgroup.Group
	for _, i := range pending {
		i := i
		g.Go(func() error {
			key, err := c.claimWithRetry(ctx, targets[i])
			if err != nil {
				outcomes[i].Err = err
				return nil
			}
			outcomes[i].Key = key
			return nil
		})
	}
	_ = g.Wait()

	for i := range outcomes {
		if outcomes[i].Err != nil {
			c.log.WithFields(logrus.Fields{
				"device": outcomes[i].Device.DeviceID,
				"error":  outcomes[i].Err,
			}).Warn("device unavailable for key claim")
			continue
		}
		id, err := c.pairwise.CreateOutbound(outcomes[i].Device.IdentityKey, outcomes[i].Key)
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		outcomes[i].SessionID = id
	}
	return outcomes
}

// ShareRoomKey distributes the room's current outbound session to the target
// devices over their pairwise sessions, bootstrapping sessions on demand.
// Devices that already hold the current session id are skipped.
func (c *Coordinator) ShareRoomKey(ctx context.Context, room domain.RoomID, targets []domain.DeviceIdentity) ([]ShareOutcome, error) {
	export, _, err := c.groups.EnsureOutbound(room)
	if err != nil {
		return nil, err
	}

	outcomes := make([]ShareOutcome, len(targets))
	todo := make([]int, 0, len(targets))
	needSession := make([]domain.DeviceIdentity, 0)

	selfKey := c.account.IdentityKey()
	c.mu.Lock()
	sharedWith := c.shared[export.SessionID]
	if sharedWith == nil {
		sharedWith = make(map[string]struct{})
		c.shared[export.SessionID] = sharedWith
	}
	for i, d := range targets {
		outcomes[i] = ShareOutcome{Device: d}
		if d.IdentityKey == selfKey {
			outcomes[i].Skipped = true
			continue
		}
		if _, done := sharedWith[d.IdentityKey.Hex()]; done {
			outcomes[i].Skipped = true
			continue
		}
		todo = append(todo, i)
		if !c.pairwise.HasSession(d.IdentityKey) {
			needSession = append(needSession, d)
		}
	}
	c.mu.Unlock()

	if len(needSession) > 0 {
		claimErrs := make(map[string]error)
		for _, outcome := range c.ClaimOneTimeKeys(ctx, needSession) {
			if outcome.Err != nil {
				claimErrs[outcome.Device.IdentityKey.Hex()] = outcome.Err
			}
		}
		for _, i := range todo {
			if err, ok := claimErrs[targets[i].IdentityKey.Hex()]; ok {
				outcomes[i].Err = err
			}
		}
	}

	payload, err := json.Marshal(domain.KeyShare{
		Algorithm:            domain.MegolmAlgorithm,
		SenderKey:            selfKey,
		ExportedGroupSession: export,
	})
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	for _, i := range todo {
		if outcomes[i].Err != nil {
			continue
		}
		i := i
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, c.cfg.PerDeviceTimeout)
			defer cancel()
			if err := c.sendKeyShare(sendCtx, targets[i], payload); err != nil {
				outcomes[i].Err = err
				return nil
			}
			c.mu.Lock()
			sharedWith[targets[i].IdentityKey.Hex()] = struct{}{}
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// HandleIncomingKeyShare decrypts a pairwise envelope carrying a room key,
// authenticates it, imports the inbound session, and fires the import hook so
// parked ciphertexts get retried.
func (c *Coordinator) HandleIncomingKeyShare(ctx context.Context, env domain.Envelope) error {
	plaintext, err := c.pairwise.Decrypt(env)
	if err != nil {
		return err
	}
	var share domain.KeyShare
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return fmt.Errorf("key share payload: %w", domain.ErrMalformedCiphertext)
	}
	if share.Algorithm != domain.MegolmAlgorithm {
		return fmt.Errorf("unsupported algorithm %q: %w", share.Algorithm, domain.ErrSessionVerificationMismatch)
	}
	// The claimed sender must be the device the pairwise channel belongs to.
	if share.SenderKey != env.SenderKey {
		return fmt.Errorf("key share sender %s does not match envelope sender: %w",
			share.SenderKey.Hex()[:8], domain.ErrSessionVerificationMismatch)
	}

	c.mu.Lock()
	device, known := c.devices[share.SenderKey.Hex()]
	hook := c.onImport
	c.mu.Unlock()
	verified := known && device.Trusted

	if err := c.groups.ImportInbound(share.ExportedGroupSession, share.SenderKey, verified); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"room":     share.RoomID,
		"session":  share.SessionID,
		"verified": verified,
	}).Debug("imported room key")

	if hook != nil {
		hook(share.RoomID, share.SessionID)
	}
	return nil
}

func (c *Coordinator) sendKeyShare(ctx context.Context, target domain.DeviceIdentity, payload []byte) error {
	msg, err := c.pairwise.Encrypt(target.IdentityKey, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sender.SendToDevice(ctx, target, domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: c.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	})
}

// claimWithRetry keeps claiming for a single device with capped exponential
// backoff. Each attempt gets its own timeout so one slow device cannot stall
// the others in the batch.
func (c *Coordinator) claimWithRetry(ctx context.Context, device domain.DeviceIdentity) (domain.PublicOneTimeKey, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ClaimBackoffBase
	bo.MaxInterval = c.cfg.ClaimBackoffMax
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.ClaimAttempts-1)), ctx)

	var key domain.PublicOneTimeKey
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.PerDeviceTimeout)
		defer cancel()
		claims, err := c.client.ClaimKeys(attemptCtx, []domain.DeviceIdentity{device})
		if err != nil {
			return err
		}
		if len(claims) != 1 {
			return fmt.Errorf("claim returned %d results for one device: %w", len(claims), domain.ErrDeviceUnreachable)
		}
		if claims[0].Err != nil {
			return claims[0].Err
		}
		key = claims[0].Key
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return domain.PublicOneTimeKey{}, err
	}
	return key, nil
}
