package main

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const (
	fileboardPage = "fileboard.php"
	loginButton   = "Войти"
	userAgent     = "Mozilla/5.0(X11; Linux x86_64) AppleWebKit/537.36(KHTML, like Gecko) Chrome/66.0.3359.181 Safari/537.36"
	copyChunkSize = 32 * 1024
	sniffLen      = 512
)

// Portal talks to the vendor file board over one cookie-backed HTTP session.
type Portal struct {
	baseURL  *url.URL
	pageURL  *url.URL
	login    string
	password string
	enc      encoding.Encoding
	client   *http.Client
	dumpDir  string
	logger   zerolog.Logger
}

func NewPortal(cfg PortalConfig, dumpDir string, logger zerolog.Logger) (*Portal, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal url: %w", err)
	}
	enc, err := pageEncoding(cfg.Charset)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Portal{
		baseURL:  base,
		pageURL:  base.JoinPath(fileboardPage),
		login:    cfg.Login,
		password: cfg.Password,
		enc:      enc,
		client:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		dumpDir:  dumpDir,
		logger:   logger.With().Str("component", "portal").Logger(),
	}, nil
}

// pageEncoding maps a charset name to the encoding used for page bodies and form values.
func pageEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return encoding.Nop, nil
	case "windows-1251", "cp1251":
		return charmap.Windows1251, nil
	case "koi8-r":
		return charmap.KOI8R, nil
	default:
		return nil, fmt.Errorf("unsupported portal charset %q", name)
	}
}

func (p *Portal) newRequest(ctx context.Context, method, target string, form url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	origin := p.baseURL.Scheme + "://" + p.baseURL.Host
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US, en;")
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", p.pageURL.String())
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func (p *Portal) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}

// readPage reads a response body and converts it from the portal charset to UTF-8.
func (p *Portal) readPage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(transform.NewReader(resp.Body, p.enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("reading portal page: %w", err)
	}
	return string(data), nil
}

// encodeForm converts UTF-8 form values into the portal charset before URL encoding.
func (p *Portal) encodeForm(values map[string]string) (url.Values, error) {
	form := url.Values{}
	for k, v := range values {
		encoded, err := p.enc.NewEncoder().String(v)
		if err != nil {
			return nil, fmt.Errorf("encoding form field %s: %w", k, err)
		}
		form.Set(k, encoded)
	}
	return form, nil
}

// LoginPage fetches the login form, which carries a fresh captcha image.
func (p *Portal) LoginPage(ctx context.Context) (*goquery.Document, error) {
	req, err := p.newRequest(ctx, http.MethodGet, p.pageURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	page, err := p.readPage(resp)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}
	return doc, nil
}

// CaptchaURL returns the absolute URL of the first image on the login page.
func (p *Portal) CaptchaURL(doc *goquery.Document) (string, error) {
	src, ok := doc.Find("img").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("login page has no captcha image")
	}
	ref, err := p.pageURL.Parse(strings.TrimSpace(src))
	if err != nil {
		return "", fmt.Errorf("invalid captcha src %q: %w", src, err)
	}
	return ref.String(), nil
}

// FetchCaptcha downloads the captcha image bound to the current session.
func (p *Portal) FetchCaptcha(ctx context.Context, src string) ([]byte, error) {
	req, err := p.newRequest(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading captcha image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("captcha image is empty")
	}
	return image, nil
}

// SubmitLogin posts credentials with the captcha answer and returns the response page.
func (p *Portal) SubmitLogin(ctx context.Context, answer string) (string, error) {
	form, err := p.encodeForm(map[string]string{
		"user":      p.login,
		"password":  p.password,
		"keystring": answer,
		"submit":    loginButton,
	})
	if err != nil {
		return "", err
	}
	req, err := p.newRequest(ctx, http.MethodPost, p.pageURL.String(), form)
	if err != nil {
		return "", err
	}
	resp, err := p.do(req)
	if err != nil {
		return "", err
	}
	page, err := p.readPage(resp)
	if err != nil {
		return "", err
	}
	p.dump("response.html", page)
	return page, nil
}

// Download streams one archive into w and returns the number of bytes written.
// The portal expects the MD5 hex digest of the password on this form.
func (p *Portal) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	digest := md5.Sum([]byte(p.password))
	form, err := p.encodeForm(map[string]string{
		"user":     p.login,
		"password": hex.EncodeToString(digest[:]),
		"file":     name,
	})
	if err != nil {
		return 0, err
	}
	req, err := p.newRequest(ctx, http.MethodPost, p.pageURL.String(), form)
	if err != nil {
		return 0, err
	}
	resp, err := p.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// The Content-Type header is unreliable here, so the body is sniffed.
	body := bufio.NewReaderSize(resp.Body, copyChunkSize)
	head, err := body.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return 0, fmt.Errorf("streaming %s: %w", name, err)
	}
	if isHTMLPage(head) {
		return 0, fmt.Errorf("portal answered %s with an HTML page instead of an archive", name)
	}

	n, err := io.CopyBuffer(w, body, make([]byte, copyChunkSize))
	if err != nil {
		return n, fmt.Errorf("streaming %s: %w", name, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("streaming %s: got %d of %d bytes", name, n, resp.ContentLength)
	}
	return n, nil
}

func isHTMLPage(head []byte) bool {
	return strings.HasPrefix(http.DetectContentType(head), "text/html")
}

func (p *Portal) dump(name, page string) {
	if p.dumpDir == "" {
		return
	}
	if err := os.MkdirAll(p.dumpDir, 0755); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to create dump directory")
		return
	}
	path := filepath.Join(p.dumpDir, name)
	if err := os.WriteFile(path, []byte(page), 0644); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Failed to dump portal response")
	}
}
