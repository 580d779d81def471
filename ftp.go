package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
)

const ftpDialAttempts = 3

type FTPDestinationFactory struct {
	Timeout time.Duration
}

func (f *FTPDestinationFactory) Accept(u *url.URL) bool {
	return u.Scheme == "ftp"
}

func (f *FTPDestinationFactory) Create(ctx context.Context, u *url.URL, password []byte) (Destination, error) {
	return NewFTPDestination(ctx, u, password, f.Timeout)
}

func (f *FTPDestinationFactory) Name() string {
	return "ftp"
}

// ftpConn is the part of *ftp.ServerConn the destination uses.
type ftpConn interface {
	NameList(path string) ([]string, error)
	Stor(path string, r io.Reader) error
	Quit() error
}

type FTPDestination struct {
	client ftpConn
	dir    string
}

func NewFTPDestination(ctx context.Context, u *url.URL, password []byte, timeout time.Duration) (*FTPDestination, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}

	var c *ftp.ServerConn
	var err error
	for attempts := 0; attempts < ftpDialAttempts; attempts++ {
		c, err = dialFTP(ctx, addr, timeout)
		if err == nil || attempts == ftpDialAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(attempts+1)):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", addr, ftpDialAttempts, err)
	}

	err = c.Login(u.User.Username(), string(password))
	if err != nil {
		c.Quit() // Close connection on login failure
		return nil, fmt.Errorf("ftp login as %s: %w", u.User.Username(), err)
	}

	dir := u.Path
	if dir != "" && dir != "/" {
		if err := c.ChangeDir(dir); err != nil {
			c.Quit()
			return nil, fmt.Errorf("ftp cwd %s: %w", dir, err)
		}
	}

	return &FTPDestination{
		client: c,
		dir:    dir,
	}, nil
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	return ftp.Dial(addr, opts...)
}

// List returns the base names in the destination directory (NLST).
func (f *FTPDestination) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := f.client.NameList(".")
	if err != nil {
		// Many servers answer NLST on an empty directory with 550.
		var perr *textproto.Error
		if errors.As(err, &perr) && perr.Code == ftp.StatusFileUnavailable {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := path.Base(e)
		if name == "." || name == ".." || name == "/" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Upload stores r as name in the destination directory. The connection is in
// binary mode since login.
func (f *FTPDestination) Upload(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.client.Stor(name, r); err != nil {
		return fmt.Errorf("ftp stor %s: %w", name, err)
	}
	return nil
}

func (f *FTPDestination) Close() error {
	return f.client.Quit()
}
