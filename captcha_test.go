package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuCaptcha struct {
	mu        sync.Mutex
	submitted []string
	polls     int
	reported  []string
	// notReady polls answer CAPCHA_NOT_READY before the answer is returned
	notReady  int
	submitErr string
	resultErr string
}

func (f *fakeRuCaptcha) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.PostForm.Get("key"))
		assert.Equal(t, "base64", r.PostForm.Get("method"))
		assert.Equal(t, "1", r.PostForm.Get("json"))
		f.submitted = append(f.submitted, r.PostForm.Get("body"))
		if f.submitErr != "" {
			writeJSON(w, ruCaptchaResponse{Status: 0, Request: f.submitErr})
			return
		}
		writeJSON(w, ruCaptchaResponse{Status: 1, Request: "4242"})
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		q := r.URL.Query()
		assert.Equal(t, "test-key", q.Get("key"))
		assert.Equal(t, "4242", q.Get("id"))

		switch q.Get("action") {
		case "reportbad":
			f.reported = append(f.reported, q.Get("id"))
			writeJSON(w, ruCaptchaResponse{Status: 1, Request: "OK_REPORT_RECORDED"})
		case "get":
			f.polls++
			switch {
			case f.resultErr != "":
				writeJSON(w, ruCaptchaResponse{Status: 0, Request: f.resultErr})
			case f.polls <= f.notReady:
				writeJSON(w, ruCaptchaResponse{Status: 0, Request: captchaNotReady})
			default:
				writeJSON(w, ruCaptchaResponse{Status: 1, Request: "q7x2"})
			}
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestRuCaptcha(t *testing.T, fake *fakeRuCaptcha) *RuCaptcha {
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	return NewRuCaptcha(CaptchaConfig{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
	})
}

func TestRuCaptcha_Solve(t *testing.T) {
	fake := &fakeRuCaptcha{notReady: 2}
	solver := newTestRuCaptcha(t, fake)

	solution, err := solver.Solve(context.Background(), []byte("GIF89a"))
	require.NoError(t, err)
	assert.Equal(t, Solution{ID: "4242", Text: "q7x2"}, solution)
	assert.Equal(t, 3, fake.polls)
	require.Len(t, fake.submitted, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("GIF89a")), fake.submitted[0])
}

func TestRuCaptcha_SubmitError(t *testing.T) {
	fake := &fakeRuCaptcha{submitErr: "ERROR_ZERO_BALANCE"}
	solver := newTestRuCaptcha(t, fake)

	_, err := solver.Solve(context.Background(), []byte("GIF89a"))
	var serr *ServiceError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "ERROR_ZERO_BALANCE", serr.Code)
	assert.True(t, serr.Fatal())
	assert.Zero(t, fake.polls)
}

func TestRuCaptcha_ResultError(t *testing.T) {
	fake := &fakeRuCaptcha{resultErr: "ERROR_CAPTCHA_UNSOLVABLE"}
	solver := newTestRuCaptcha(t, fake)

	_, err := solver.Solve(context.Background(), []byte("GIF89a"))
	var serr *ServiceError
	require.True(t, errors.As(err, &serr))
	assert.False(t, serr.Fatal())
}

func TestRuCaptcha_ReportBad(t *testing.T) {
	fake := &fakeRuCaptcha{}
	solver := newTestRuCaptcha(t, fake)

	require.NoError(t, solver.ReportBad(context.Background(), Solution{ID: "4242", Text: "q7x2"}))
	assert.Equal(t, []string{"4242"}, fake.reported)

	require.NoError(t, solver.ReportBad(context.Background(), Solution{}))
	assert.Len(t, fake.reported, 1)
}

func TestSolveWithRetry(t *testing.T) {
	cfg := CaptchaConfig{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond}

	t.Run("recovers", func(t *testing.T) {
		solver := &fakeSolver{errs: []error{errors.New("connection reset")}}
		solution, err := solveWithRetry(context.Background(), solver, []byte("img"), cfg, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "ans-img", solution.Text)
		assert.Equal(t, []string{"img", "img"}, solver.images)
	})

	t.Run("bounded", func(t *testing.T) {
		solver := &fakeSolver{errs: []error{
			&ServiceError{Code: "ERROR_CAPTCHA_UNSOLVABLE"},
			&ServiceError{Code: "ERROR_CAPTCHA_UNSOLVABLE"},
			&ServiceError{Code: "ERROR_CAPTCHA_UNSOLVABLE"},
			&ServiceError{Code: "ERROR_CAPTCHA_UNSOLVABLE"},
		}}
		_, err := solveWithRetry(context.Background(), solver, []byte("img"), cfg, zerolog.Nop())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCaptchaUnsolved))
		assert.Len(t, solver.images, 3)
	})

	t.Run("fatal stops at once", func(t *testing.T) {
		solver := &fakeSolver{errs: []error{&ServiceError{Code: "ERROR_WRONG_USER_KEY"}}}
		_, err := solveWithRetry(context.Background(), solver, []byte("img"), cfg, zerolog.Nop())
		var serr *ServiceError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "ERROR_WRONG_USER_KEY", serr.Code)
		assert.Len(t, solver.images, 1)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		solver := &fakeSolver{errs: []error{context.Canceled}}
		_, err := solveWithRetry(ctx, solver, []byte("img"), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
