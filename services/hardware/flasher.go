package hardware

import (
	"context"
	"fmt"
	"net/http"

	"metald/services/decision"
)

// FirmwareFlasher is implemented by clients able to push a firmware image
// to the device from a download URL.
type FirmwareFlasher interface {
	FlashFirmware(ctx context.Context, target, imageURI, component string) error
}

// Flasher returns the first registered client able to flash firmware,
// searched in canonical method order.
func (r *Registry) Flasher() (FirmwareFlasher, bool) {
	for _, m := range decision.Methods() {
		if c, ok := r.clients[m]; ok {
			if f, ok := c.(FirmwareFlasher); ok {
				return f, true
			}
		}
	}
	return nil, false
}

// FlashFirmware kicks off a Redfish SimpleUpdate pulling the image from
// imageURI. The BMC applies it asynchronously; completion shows up on the
// next capability probe.
func (c *RedfishClient) FlashFirmware(ctx context.Context, target, imageURI, component string) error {
	payload := map[string]any{
		"ImageURI":         imageURI,
		"TransferProtocol": "HTTPS",
		"Targets":          []string{component},
	}
	_, err := c.do(ctx, http.MethodPost, target, "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate", payload)
	if err != nil {
		return fmt.Errorf("simple update for %s: %w", component, err)
	}
	return nil
}
