package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cloakroom/internal/domain"
)

// Per-device claim statuses on the wire.
const (
	claimStatusOK          = "ok"
	claimStatusExhausted   = "exhausted"
	claimStatusUnreachable = "unreachable"
)

// HTTP talks to the key server over plain request/response endpoints.
type HTTP struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns a client for the key server at base.
func NewHTTP(base string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{Base: base, HTTP: client}
}

var (
	_ domain.KeyServerClient = (*HTTP)(nil)
	_ domain.ToDeviceSender  = (*HTTP)(nil)
)

type claimRequest struct {
	Devices []claimTarget `json:"devices"`
}

type claimTarget struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type claimResponse struct {
	Results []claimResult `json:"results"`
}

type claimResult struct {
	UserID   string                   `json:"user_id"`
	DeviceID string                   `json:"device_id"`
	Status   string                   `json:"status"`
	Key      *domain.PublicOneTimeKey `json:"key,omitempty"`
}

// ClaimKeys claims one one-time key per device. The batch call succeeds even
// when individual devices fail; their entries carry the mapped error.
func (c *HTTP) ClaimKeys(ctx context.Context, devices []domain.DeviceIdentity) ([]domain.KeyClaim, error) {
	req := claimRequest{Devices: make([]claimTarget, len(devices))}
	for i, d := range devices {
		req.Devices[i] = claimTarget{UserID: d.UserID, DeviceID: d.DeviceID}
	}

	var resp claimResponse
	if err := c.post(ctx, "/keys/claim", req, &resp); err != nil {
		return nil, err
	}

	byDevice := make(map[string]claimResult, len(resp.Results))
	for _, r := range resp.Results {
		byDevice[r.UserID+"/"+r.DeviceID] = r
	}

	out := make([]domain.KeyClaim, len(devices))
	for i, d := range devices {
		out[i] = domain.KeyClaim{Device: d}
		r, ok := byDevice[d.UserID+"/"+d.DeviceID]
		if !ok {
			out[i].Err = fmt.Errorf("device %s/%s missing from claim response: %w", d.UserID, d.DeviceID, domain.ErrDeviceUnreachable)
			continue
		}
		switch r.Status {
		case claimStatusOK:
			if r.Key == nil {
				out[i].Err = fmt.Errorf("device %s/%s: empty key in claim response: %w", d.UserID, d.DeviceID, domain.ErrDeviceUnreachable)
				continue
			}
			out[i].Key = *r.Key
		case claimStatusExhausted:
			out[i].Err = fmt.Errorf("device %s/%s: %w", d.UserID, d.DeviceID, domain.ErrKeyClaimExhausted)
		default:
			out[i].Err = fmt.Errorf("device %s/%s: %w", d.UserID, d.DeviceID, domain.ErrDeviceUnreachable)
		}
	}
	return out, nil
}

// UploadKeys publishes this device's signed key bundle.
func (c *HTTP) UploadKeys(ctx context.Context, bundle domain.SignedKeyBundle) error {
	return c.post(ctx, "/keys/upload", bundle, nil)
}

type toDeviceRequest struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Envelope domain.Envelope `json:"envelope"`
}

// SendToDevice delivers an encrypted envelope to one device.
func (c *HTTP) SendToDevice(ctx context.Context, target domain.DeviceIdentity, env domain.Envelope) error {
	return c.post(ctx, "/sendToDevice", toDeviceRequest{
		UserID:   target.UserID,
		DeviceID: target.DeviceID,
		Envelope: env,
	}, nil)
}

func (c *HTTP) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("key server %s: %w", path, domain.ErrDeviceUnreachable)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("key server %s: %s: %w", path, resp.Status, domain.ErrDeviceUnreachable)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
