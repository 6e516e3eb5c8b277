package display

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// RemoteConfig configures the display service client.
type RemoteConfig struct {
	Addr       string
	VNCBaseURL string
	Timeout    time.Duration
	// MaxRetries defaults to 2; a negative value disables retries.
	MaxRetries int
}

// Remote calls the display service over HTTP.
type Remote struct {
	http    *resty.Client
	breaker *resilience.Breaker
	baseURL string
	logger  *zap.Logger
}

type allocateRequest struct {
	SessionID string            `json:"session_id"`
	Env       map[string]string `json:"env,omitempty"`
}

type resumeRequest struct {
	RootPID int `json:"root_pid"`
}

type displayResponse struct {
	DisplayNum int `json:"display_num"`
	VNCPort    int `json:"vnc_port"`
	RootPID    int `json:"root_pid"`
}

type apiError struct {
	Error string `json:"error"`
}

// errRejected marks a 4xx answer; the service is healthy but said no.
var errRejected = errors.New("display service rejected request")

// NewRemote creates a client for the display service at cfg.Addr.
func NewRemote(cfg RemoteConfig, logger *zap.Logger) *Remote {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 2
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	logger = logger.Named("display")

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(cfg.Addr).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(250*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", "deskd/1.0").
		SetTransport(retryClient.HTTPClient.Transport).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})
	client.JSONMarshal = sonic.Marshal
	client.JSONUnmarshal = sonic.Unmarshal

	breaker := resilience.New("display", resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Display breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Remote{
		http:    client,
		breaker: breaker,
		baseURL: cfg.VNCBaseURL,
		logger:  logger,
	}
}

// Breaker exposes the breaker for health reporting.
func (r *Remote) Breaker() *resilience.Breaker {
	return r.breaker
}

// Allocate implements Allocator.
func (r *Remote) Allocate(ctx context.Context, id string, env map[string]string) (types.DisplayHandle, error) {
	var out displayResponse
	err := r.call(ctx, "display_allocate", id, func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(allocateRequest{SessionID: id, Env: env}).SetResult(&out).Post("/displays")
	})
	if err != nil {
		return types.DisplayHandle{}, err
	}
	return handle(r.baseURL, id, out.DisplayNum, out.RootPID), nil
}

// Release implements Allocator.
func (r *Remote) Release(ctx context.Context, id string) error {
	return r.call(ctx, "display_release", id, func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", id).Delete("/displays/{id}")
	})
}

// Suspend implements Allocator.
func (r *Remote) Suspend(ctx context.Context, id string) error {
	return r.call(ctx, "display_suspend", id, func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", id).Post("/displays/{id}/suspend")
	})
}

// Resume implements Allocator.
func (r *Remote) Resume(ctx context.Context, id string, rootPID int) (types.DisplayHandle, error) {
	var out displayResponse
	err := r.call(ctx, "display_resume", id, func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", id).
			SetBody(resumeRequest{RootPID: rootPID}).
			SetResult(&out).
			Post("/displays/{id}/resume")
	})
	if err != nil {
		return types.DisplayHandle{}, err
	}
	if out.RootPID == 0 {
		out.RootPID = rootPID
	}
	return handle(r.baseURL, id, out.DisplayNum, out.RootPID), nil
}

func (r *Remote) call(ctx context.Context, op, id string, send func(*resty.Request) (*resty.Response, error)) error {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		var apiErr apiError
		req := r.http.R().SetContext(ctx).SetError(&apiErr)
		tracing.Inject(ctx, func(key, value string) { req.SetHeader(key, value) })
		resp, err := send(req)
		if err != nil {
			return err
		}
		switch {
		case op == "display_release" && resp.StatusCode() == http.StatusNotFound:
			return nil
		case resp.StatusCode() >= http.StatusInternalServerError:
			return fmt.Errorf("display service returned %d: %s", resp.StatusCode(), apiErr.Error)
		case resp.IsError():
			return fmt.Errorf("%w: %d %s", errRejected, resp.StatusCode(), apiErr.Error)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	r.logger.Warn("Display call failed", zap.String("op", op), zap.String("session_id", id), zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.Timeout, op, err).WithSession(id)
	}
	return fault.New(fault.AllocationFailure, op, err).WithSession(id)
}
