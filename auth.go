package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LoginOutcome classifies the page the portal returns after a login post.
type LoginOutcome int

const (
	LoginSuccess LoginOutcome = iota
	LoginWrongCaptcha
	LoginRejected
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginSuccess:
		return "success"
	case LoginWrongCaptcha:
		return "wrong captcha"
	case LoginRejected:
		return "login failed"
	default:
		return "unknown"
	}
}

// classifyLogin matches the response body against the configured markers.
// An account failure wins over a captcha failure when both appear.
func classifyLogin(body string, markers Markers) LoginOutcome {
	if markers.LoginFailed != "" && strings.Contains(body, markers.LoginFailed) {
		return LoginRejected
	}
	if markers.WrongCaptcha != "" && strings.Contains(body, markers.WrongCaptcha) {
		return LoginWrongCaptcha
	}
	return LoginSuccess
}

// Authenticator logs into the portal, solving a fresh captcha on every attempt.
type Authenticator struct {
	portal      *Portal
	solver      Solver
	markers     Markers
	captcha     CaptchaConfig
	maxAttempts int
	logger      zerolog.Logger
}

func NewAuthenticator(portal *Portal, solver Solver, markers Markers, captcha CaptchaConfig, login LoginConfig, logger zerolog.Logger) *Authenticator {
	maxAttempts := login.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Authenticator{
		portal:      portal,
		solver:      solver,
		markers:     markers,
		captcha:     captcha,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "auth").Logger(),
	}
}

// Login returns the authenticated page. A wrong captcha restarts the whole cycle
// with a new challenge; a rejected account fails with ErrLoginFailed at once.
func (a *Authenticator) Login(ctx context.Context) (string, error) {
	if a.captcha.ScratchFile != "" {
		defer os.Remove(a.captcha.ScratchFile)
	}

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		solution, err := a.solveChallenge(ctx)
		if err != nil {
			return "", err
		}

		body, err := a.portal.SubmitLogin(ctx, solution.Text)
		if err != nil {
			return "", fmt.Errorf("submitting login: %w", err)
		}

		outcome := classifyLogin(body, a.markers)
		switch outcome {
		case LoginRejected:
			return "", ErrLoginFailed
		case LoginWrongCaptcha:
			a.logger.Warn().
				Int("attempt", attempt).
				Int("maxAttempts", a.maxAttempts).
				Msg("Portal rejected captcha answer, requesting a new challenge")
			if err := a.solver.ReportBad(ctx, solution); err != nil {
				a.logger.Debug().Err(err).Msg("Failed to report bad captcha")
			}
			continue
		}

		a.logger.Info().Int("attempt", attempt).Msg("Logged in to portal")
		return body, nil
	}

	return "", fmt.Errorf("%w: gave up after %d login attempts", ErrWrongCaptcha, a.maxAttempts)
}

// solveChallenge loads a new login page, downloads its captcha and solves it.
func (a *Authenticator) solveChallenge(ctx context.Context) (Solution, error) {
	doc, err := a.portal.LoginPage(ctx)
	if err != nil {
		return Solution{}, fmt.Errorf("fetching login page: %w", err)
	}
	src, err := a.portal.CaptchaURL(doc)
	if err != nil {
		return Solution{}, err
	}
	image, err := a.portal.FetchCaptcha(ctx, src)
	if err != nil {
		return Solution{}, fmt.Errorf("fetching captcha: %w", err)
	}
	if a.captcha.ScratchFile != "" {
		if err := os.WriteFile(a.captcha.ScratchFile, image, 0644); err != nil {
			a.logger.Warn().Err(err).Str("path", a.captcha.ScratchFile).Msg("Failed to save captcha image")
		}
	}

	solution, err := solveWithRetry(ctx, a.solver, image, a.captcha, a.logger)
	if err != nil {
		return Solution{}, err
	}
	a.logger.Debug().Str("captchaId", solution.ID).Msg("Captcha solved")
	return solution, nil
}
