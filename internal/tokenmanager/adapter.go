package tokenmanager

import (
	"context"

	"github.com/roelfdiedericks/duoproxy/internal/upstream"
)

// upstreamAdapter adapts *upstream.Client's concrete response types to the
// DeviceCoder interface, keeping this package's interface free of the
// upstream package's HTTP-level types.
type upstreamAdapter struct {
	client *upstream.Client
}

// NewUpstreamAdapter wraps client as a DeviceCoder for Manager.
func NewUpstreamAdapter(client *upstream.Client) DeviceCoder {
	return &upstreamAdapter{client: client}
}

func (a *upstreamAdapter) RequestDeviceCode(ctx context.Context) (*DeviceCodeInfo, error) {
	resp, err := a.client.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}
	return &DeviceCodeInfo{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        resp.Interval,
		ExpiresIn:       resp.ExpiresIn,
	}, nil
}

func (a *upstreamAdapter) PollAccessToken(ctx context.Context, deviceCode string, interval int) (string, error) {
	return a.client.PollAccessToken(ctx, deviceCode, interval)
}

func (a *upstreamAdapter) ExchangeForShortToken(ctx context.Context, longLivedToken string) (*ExchangeResult, error) {
	resp, err := a.client.ExchangeForShortToken(ctx, longLivedToken)
	if err != nil {
		return nil, err
	}
	return &ExchangeResult{Token: resp.Token, RefreshIn: resp.RefreshIn}, nil
}
