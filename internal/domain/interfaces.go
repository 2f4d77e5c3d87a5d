package domain

import "context"

// KeyClaim is one device's outcome of a batch one-time-key claim. Exactly one
// of Key or Err is meaningful.
type KeyClaim struct {
	Device DeviceIdentity
	Key    PublicOneTimeKey
	Err    error
}

// KeyServerClient talks to the key server. Both calls are request/response;
// the caller-supplied context carries the timeout.
type KeyServerClient interface {
	// ClaimKeys requests one one-time key per device. The result list has one
	// entry per requested device; individual failures never fail the batch.
	ClaimKeys(ctx context.Context, devices []DeviceIdentity) ([]KeyClaim, error)

	// UploadKeys publishes this device's signed key bundle.
	UploadKeys(ctx context.Context, bundle SignedKeyBundle) error
}

// ToDeviceSender delivers an opaque encrypted envelope to one device.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, target DeviceIdentity, env Envelope) error
}
