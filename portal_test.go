package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var testMarkers = Markers{
	WrongCaptcha: "Wrong code",
	LoginFailed:  "Account blocked",
}

const testBoardPage = `<html><body>
<table>
  <tr><td><form method="post"><input type="hidden" name="user" value="client"><input type="hidden" name="password" value="x"><input type="hidden" name="file" value="a.rar"><input type="submit" value="get"></form></td></tr>
  <tr><td><form method="post"><input type="hidden" name="user" value="client"><input type="hidden" name="password" value="x"><input type="hidden" name="file" value="b.rar"><input type="submit" value="get"></form></td></tr>
  <tr><td><form method="post"><input type="hidden" name="user" value="client"><input type="hidden" name="password" value="x"><input type="hidden" name="file" value="c.rar"><input type="submit" value="get"></form></td></tr>
</table>
</body></html>`

// fakePortal imitates fileboard.php: a captcha login page, a login post and
// archive downloads, all bound to a session cookie.
type fakePortal struct {
	server *httptest.Server
	enc    encoding.Encoding

	mu             sync.Mutex
	loginPages     int
	captchas       []string
	logins         []url.Values
	downloads      []url.Values
	headers        []http.Header
	loginResponses []string
	files          map[string][]byte
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	fp := &fakePortal{
		enc:            encoding.Nop,
		loginResponses: []string{testBoardPage},
		files:          map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/fileboard.php", fp.handleBoard)
	mux.HandleFunc("/captcha.php", fp.handleCaptcha)
	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePortal) config() PortalConfig {
	charset := "utf-8"
	if fp.enc == charmap.Windows1251 {
		charset = "windows-1251"
	}
	return PortalConfig{
		BaseURL:  fp.server.URL,
		Login:    "client",
		Password: "secret",
		Charset:  charset,
		Timeout:  5 * time.Second,
		Markers:  testMarkers,
	}
}

func (fp *fakePortal) write(w http.ResponseWriter, page string) {
	encoded, err := fp.enc.NewEncoder().String(page)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(encoded))
}

func (fp *fakePortal) handleBoard(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.headers = append(fp.headers, r.Header.Clone())

	if r.Method == http.MethodGet {
		fp.loginPages++
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "session", Path: "/"})
		fp.write(w, fmt.Sprintf(`<html><body><form method="post"><img src="captcha.php?n=%d"><input name="keystring"></form></body></html>`, fp.loginPages))
		return
	}

	if _, err := r.Cookie("PHPSESSID"); err != nil {
		http.Error(w, "no session", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.PostForm.Has("file") {
		fp.downloads = append(fp.downloads, r.PostForm)
		data, ok := fp.files[r.PostForm.Get("file")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
		return
	}

	fp.logins = append(fp.logins, r.PostForm)
	i := len(fp.logins) - 1
	if i >= len(fp.loginResponses) {
		i = len(fp.loginResponses) - 1
	}
	fp.write(w, fp.loginResponses[i])
}

func (fp *fakePortal) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	image := "img-" + r.URL.Query().Get("n")
	fp.captchas = append(fp.captchas, image)
	w.Header().Set("Content-Type", "image/gif")
	_, _ = w.Write([]byte(image))
}

func newTestPortal(t *testing.T, fp *fakePortal) *Portal {
	t.Helper()
	p, err := NewPortal(fp.config(), "", zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestPortal_CaptchaURL(t *testing.T) {
	fp := newFakePortal(t)
	p := newTestPortal(t, fp)

	doc, err := p.LoginPage(context.Background())
	require.NoError(t, err)

	src, err := p.CaptchaURL(doc)
	require.NoError(t, err)
	assert.Equal(t, fp.server.URL+"/captcha.php?n=1", src)

	image, err := p.FetchCaptcha(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "img-1", string(image))
}

func TestPortal_CaptchaURL_NoImage(t *testing.T) {
	p, err := NewPortal(PortalConfig{BaseURL: "http://portal.example", Charset: "utf-8"}, "", zerolog.Nop())
	require.NoError(t, err)

	doc := mustDocument(t, `<html><body><form></form></body></html>`)
	_, err = p.CaptchaURL(doc)
	assert.Error(t, err)
}

func TestPortal_SubmitLogin_SendsCredentialsAndHeaders(t *testing.T) {
	fp := newFakePortal(t)
	p := newTestPortal(t, fp)

	_, err := p.LoginPage(context.Background())
	require.NoError(t, err)
	page, err := p.SubmitLogin(context.Background(), "x7k2")
	require.NoError(t, err)
	assert.Contains(t, page, "b.rar")

	require.Len(t, fp.logins, 1)
	form := fp.logins[0]
	assert.Equal(t, "client", form.Get("user"))
	assert.Equal(t, "secret", form.Get("password"))
	assert.Equal(t, "x7k2", form.Get("keystring"))
	assert.Equal(t, loginButton, form.Get("submit"))

	last := fp.headers[len(fp.headers)-1]
	assert.Equal(t, userAgent, last.Get("User-Agent"))
	assert.Equal(t, fp.server.URL+"/fileboard.php", last.Get("Referer"))
	assert.Equal(t, fp.server.URL, last.Get("Origin"))
	assert.Equal(t, "application/x-www-form-urlencoded", last.Get("Content-Type"))
}

func TestPortal_Windows1251(t *testing.T) {
	fp := newFakePortal(t)
	fp.enc = charmap.Windows1251
	fp.loginResponses = []string{"<html><body>Неверно введен код</body></html>"}
	p := newTestPortal(t, fp)

	_, err := p.LoginPage(context.Background())
	require.NoError(t, err)
	page, err := p.SubmitLogin(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, LoginWrongCaptcha, classifyLogin(page, Markers{
		WrongCaptcha: defaultWrongCaptchaMarker,
		LoginFailed:  defaultLoginFailedMarker,
	}))

	submit, err := charmap.Windows1251.NewDecoder().String(fp.logins[0].Get("submit"))
	require.NoError(t, err)
	assert.Equal(t, loginButton, submit)
}

func TestPortal_Download(t *testing.T) {
	fp := newFakePortal(t)
	fp.files["a.rar"] = bytes.Repeat([]byte("archive"), 10000)
	p := newTestPortal(t, fp)

	_, err := p.LoginPage(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := p.Download(context.Background(), "a.rar", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(fp.files["a.rar"])), n)
	assert.Equal(t, fp.files["a.rar"], buf.Bytes())

	digest := md5.Sum([]byte("secret"))
	require.Len(t, fp.downloads, 1)
	assert.Equal(t, "client", fp.downloads[0].Get("user"))
	assert.Equal(t, hex.EncodeToString(digest[:]), fp.downloads[0].Get("password"))
	assert.Equal(t, "a.rar", fp.downloads[0].Get("file"))
}

func TestPortal_Download_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "gone", http.StatusNotFound)
			},
		},
		{
			name: "html page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				_, _ = w.Write([]byte("<!DOCTYPE html><html>session expired</html>"))
			},
		},
		{
			name: "truncated",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Header().Set("Content-Length", "100")
				_, _ = w.Write([]byte("short"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p, err := NewPortal(PortalConfig{BaseURL: server.URL, Charset: "utf-8", Timeout: 5 * time.Second}, "", zerolog.Nop())
			require.NoError(t, err)

			_, err = p.Download(context.Background(), "a.rar", &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestPortal_Download_IgnoresHTMLContentType(t *testing.T) {
	payload := append([]byte("Rar!\x1a\x07\x00"), bytes.Repeat([]byte("binary"), 200)...)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	p, err := NewPortal(PortalConfig{BaseURL: server.URL, Charset: "utf-8", Timeout: 5 * time.Second}, "", zerolog.Nop())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := p.Download(context.Background(), "a.rar", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestPortal_DumpsLoginResponse(t *testing.T) {
	fp := newFakePortal(t)
	dumpDir := filepath.Join(t.TempDir(), "dump")
	p, err := NewPortal(fp.config(), dumpDir, zerolog.Nop())
	require.NoError(t, err)

	_, err = p.LoginPage(context.Background())
	require.NoError(t, err)
	_, err = p.SubmitLogin(context.Background(), "abc")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dumpDir, "response.html"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "c.rar"))
}

func TestPageEncoding(t *testing.T) {
	enc, err := pageEncoding("CP1251")
	require.NoError(t, err)
	assert.Equal(t, charmap.Windows1251, enc)

	enc, err = pageEncoding("")
	require.NoError(t, err)
	assert.Equal(t, encoding.Nop, enc)

	_, err = pageEncoding("latin-9")
	assert.Error(t, err)
}
