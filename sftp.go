package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

type SFTPDestinationFactory struct {
	Timeout time.Duration
	HostKey string // SHA256 fingerprint, e.g. "SHA256:..."; empty trusts on first use
	Logger  zerolog.Logger
}

func (f *SFTPDestinationFactory) Accept(u *url.URL) bool { return u.Scheme == "sftp" }

func (f *SFTPDestinationFactory) Create(ctx context.Context, u *url.URL, password []byte) (Destination, error) {
	return NewSFTPDestination(ctx, u, password, f.Timeout, hostKeyCallback(f.HostKey, f.Logger))
}

func (f *SFTPDestinationFactory) Name() string { return "sftp" }

type SFTPDestination struct {
	conn   *ssh.Client
	client *sftp.Client
	dir    string
}

// knownHosts stores fingerprints accepted during this process
var (
	knownHosts   = make(map[string]string)
	knownHostsMu sync.Mutex
)

// hostKeyCallback checks the server key against a pinned fingerprint. Without a
// pin the first key seen for a host is remembered and later keys must match it.
func hostKeyCallback(pinned string, logger zerolog.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)

		if pinned != "" {
			if fingerprint != pinned {
				return fmt.Errorf("host key mismatch for %s: got %s", hostname, fingerprint)
			}
			return nil
		}

		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()
		stored, exists := knownHosts[hostname]
		if exists {
			if stored != fingerprint {
				return fmt.Errorf("host key for %s changed from %s to %s", hostname, stored, fingerprint)
			}
			return nil
		}

		logger.Warn().
			Str("host", hostname).
			Str("keyType", key.Type()).
			Str("fingerprint", fingerprint).
			Msg("Accepting unpinned SFTP host key; set destination.host_key to pin it")
		knownHosts[hostname] = fingerprint
		return nil
	}
}

func NewSFTPDestination(ctx context.Context, u *url.URL, password []byte, timeout time.Duration, callback ssh.HostKeyCallback) (*SFTPDestination, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	config := &ssh.ClientConfig{
		User: u.User.Username(),
		Auth: []ssh.AuthMethod{
			ssh.Password(string(password)),
		},
		HostKeyCallback: callback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	if timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	conn := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	dir := u.Path
	if dir == "" {
		dir = "."
	}
	if _, err := client.Stat(dir); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("sftp stat %s: %w", dir, err)
	}

	return &SFTPDestination{
		conn:   conn,
		client: client,
		dir:    dir,
	}, nil
}

func (s *SFTPDestination) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.client.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("sftp readdir %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *SFTPDestination) Upload(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remotePath := path.Join(s.dir, name)
	f, err := s.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", remotePath, err)
	}
	if _, err := f.ReadFrom(r); err != nil {
		f.Close()
		return fmt.Errorf("sftp write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sftp close %s: %w", remotePath, err)
	}
	return nil
}

func (s *SFTPDestination) Close() error {
	s.client.Close()
	return s.conn.Close()
}
