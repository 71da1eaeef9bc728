package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/anicoll/moen-integration/internal/pkg/auth"
	"github.com/anicoll/moen-integration/internal/pkg/config"
	"github.com/anicoll/moen-integration/internal/pkg/model"
)

// ErrUnreachable is returned when the retry budget for transient failures is
// exhausted.
var ErrUnreachable = errors.New("cloud unreachable")

// errTransient marks failures worth retrying; it distinguishes budget
// exhaustion from permanent rejections once backoff returns.
var errTransient = errors.New("transient failure")

type sessionSource interface {
	EnsureValid(ctx context.Context) (auth.Session, error)
	Invalidate(token string)
}

// Client is the typed request/response layer over the cloud HTTP API. Every
// call carries a valid session token and retries transient failures with
// capped, jittered exponential backoff.
type Client struct {
	cfg    *config.CloudConfig
	auth   sessionSource
	client *http.Client
	logger *zap.Logger
}

func New(cfg *config.CloudConfig, sessions sessionSource) *Client {
	return &Client{
		cfg:  cfg,
		auth: sessions,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: zap.L(),
	}
}

// GetDevices returns the device catalog from the cloud listing.
func (c *Client) GetDevices(ctx context.Context) ([]model.Device, error) {
	var payload []model.DevicePayload
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &payload); err != nil {
		return nil, err
	}
	devices := make([]model.Device, 0, len(payload))
	for _, p := range payload {
		devices = append(devices, p.Device())
	}
	return devices, nil
}

// GetStatus returns the current state snapshot of one device together with
// the snapshot timestamp.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (model.StateUpdate, time.Time, error) {
	var payload model.StatusPayload
	path := fmt.Sprintf("/devices/%s/status", url.PathEscape(deviceID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return model.StateUpdate{}, time.Time{}, err
	}
	upd, err := payload.Update()
	if err != nil {
		return model.StateUpdate{}, time.Time{}, fmt.Errorf("status for %s: %w", deviceID, err)
	}
	return upd, payload.At(time.Now()), nil
}

// SendCommand issues a control command over REST. Used as the fallback when
// the realtime channel is down.
func (c *Client) SendCommand(ctx context.Context, deviceID string, cmd model.Command) error {
	path := fmt.Sprintf("/devices/%s/command", url.PathEscape(deviceID))
	return c.do(ctx, http.MethodPost, path, cmd, nil)
}

type channelAuthResponse struct {
	Auth string `json:"auth"`
}

// ChannelAuth performs the private-channel auth exchange for the realtime
// connection and returns the signature the push service expects.
func (c *Client) ChannelAuth(ctx context.Context, socketID, channel string) (string, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)

	var payload channelAuthResponse
	err := c.doForm(ctx, "/pusher-auth", form, &payload)
	if err != nil {
		return "", err
	}
	if payload.Auth == "" {
		return "", errors.New("channel auth response carried no signature")
	}
	return payload.Auth, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	return c.roundTrip(ctx, out, func(ctx context.Context, token string) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
}

func (c *Client) doForm(ctx context.Context, path string, form url.Values, out any) error {
	encoded := form.Encode()
	return c.roundTrip(ctx, out, func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
}

// roundTrip runs one logical API call. Transient failures are retried with
// backoff up to the configured attempt budget. A single authorization
// failure forces a credential refresh and one retry; a second one surfaces
// the auth error.
func (c *Client) roundTrip(ctx context.Context, out any, build func(context.Context, string) (*http.Request, error)) error {
	authRetried := false

	operation := func() error {
		session, err := c.auth.EnsureValid(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := build(ctx, session.Token)
		if err != nil {
			return backoff.Permanent(err)
		}

		res, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", errTransient, err)
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusUnauthorized:
			if authRetried {
				return backoff.Permanent(fmt.Errorf("%w: token rejected twice", auth.ErrRefreshFailed))
			}
			authRetried = true
			c.auth.Invalidate(session.Token)
			c.logger.Debug("token rejected, forcing refresh", zap.String("url", req.URL.Path))
			return fmt.Errorf("%w: authorization rejected", errTransient)
		case res.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: server status %d", errTransient, res.StatusCode)
		case res.StatusCode >= http.StatusBadRequest:
			return backoff.Permanent(fmt.Errorf("request rejected with status %d", res.StatusCode))
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, res.Body)
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(c.newBackoff(), ctx))
	if errors.Is(err, errTransient) {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return err
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.RetryBaseDelay),
		backoff.WithMaxInterval(c.cfg.RetryMaxDelay),
	)
	return backoff.WithMaxRetries(b, c.cfg.RetryAttempts)
}
