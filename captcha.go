package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Solution is a solved captcha. ID identifies it at the solving service.
type Solution struct {
	ID   string
	Text string
}

// Solver turns a captcha image into text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (Solution, error)
	ReportBad(ctx context.Context, solution Solution) error
}

// ServiceError is a non-zero error answer from the solving service.
type ServiceError struct {
	Code string
}

func (e *ServiceError) Error() string {
	return "captcha service error: " + e.Code
}

// Fatal reports whether resubmitting cannot help, e.g. a bad key or an empty balance.
func (e *ServiceError) Fatal() bool {
	switch e.Code {
	case "ERROR_WRONG_USER_KEY", "ERROR_KEY_DOES_NOT_EXIST", "ERROR_ZERO_BALANCE", "IP_BANNED", "ERROR_IP_NOT_ALLOWED":
		return true
	}
	return false
}

const captchaNotReady = "CAPCHA_NOT_READY"

// RuCaptcha is a client for the rucaptcha.com in.php/res.php API.
type RuCaptcha struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	timeout      time.Duration
	client       *http.Client
}

type ruCaptchaResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

func NewRuCaptcha(cfg CaptchaConfig) *RuCaptcha {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &RuCaptcha{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: pollInterval,
		timeout:      cfg.Timeout,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Solve uploads the image and polls until the service returns an answer.
func (r *RuCaptcha) Solve(ctx context.Context, image []byte) (Solution, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	form := url.Values{
		"key":    {r.apiKey},
		"method": {"base64"},
		"body":   {base64.StdEncoding.EncodeToString(image)},
		"json":   {"1"},
	}
	submitted, err := r.call(ctx, http.MethodPost, "/in.php", form)
	if err != nil {
		return Solution{}, err
	}
	if submitted.Status != 1 {
		return Solution{}, &ServiceError{Code: submitted.Request}
	}
	id := submitted.Request

	for {
		select {
		case <-ctx.Done():
			return Solution{}, ctx.Err()
		case <-time.After(r.pollInterval):
		}

		result, err := r.call(ctx, http.MethodGet, "/res.php", url.Values{
			"key":    {r.apiKey},
			"action": {"get"},
			"id":     {id},
			"json":   {"1"},
		})
		if err != nil {
			return Solution{}, err
		}
		if result.Status == 1 {
			return Solution{ID: id, Text: result.Request}, nil
		}
		if result.Request != captchaNotReady {
			return Solution{}, &ServiceError{Code: result.Request}
		}
	}
}

// ReportBad tells the service a solution was rejected by the portal.
func (r *RuCaptcha) ReportBad(ctx context.Context, solution Solution) error {
	if solution.ID == "" {
		return nil
	}
	result, err := r.call(ctx, http.MethodGet, "/res.php", url.Values{
		"key":    {r.apiKey},
		"action": {"reportbad"},
		"id":     {solution.ID},
		"json":   {"1"},
	})
	if err != nil {
		return err
	}
	if result.Status != 1 {
		return &ServiceError{Code: result.Request}
	}
	return nil
}

func (r *RuCaptcha) call(ctx context.Context, method, path string, params url.Values) (*ruCaptchaResponse, error) {
	target := r.baseURL + path
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("captcha service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("captcha service %s: unexpected status %d", path, resp.StatusCode)
	}
	var out ruCaptchaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("captcha service %s: decoding response: %w", path, err)
	}
	return &out, nil
}

// solveWithRetry resubmits the same image on service errors with capped exponential backoff.
// Fatal service errors and context cancellation are returned immediately.
func solveWithRetry(ctx context.Context, solver Solver, image []byte, cfg CaptchaConfig, logger zerolog.Logger) (Solution, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = time.Second
	}
	backoff := retry.NewExponential(initial)
	if cfg.BackoffMax > 0 {
		backoff = retry.WithCappedDuration(cfg.BackoffMax, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	var solution Solution
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s, err := solver.Solve(ctx, image)
		if err == nil {
			if strings.TrimSpace(s.Text) == "" {
				return retry.RetryableError(&ServiceError{Code: "EMPTY_ANSWER"})
			}
			solution = s
			return nil
		}

		var serr *ServiceError
		if errors.As(err, &serr) && serr.Fatal() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", maxAttempts).Msg("Captcha service failed, resubmitting image")
		return retry.RetryableError(err)
	})
	if err != nil {
		var serr *ServiceError
		if (errors.As(err, &serr) && serr.Fatal()) || ctx.Err() != nil {
			return Solution{}, err
		}
		return Solution{}, fmt.Errorf("%w after %d attempts: %v", ErrCaptchaUnsolved, attempt, err)
	}
	return solution, nil
}
