package main

import (
	"context"
	"io"
	"net/url"
)

// Destination is a remote directory that mirrors the portal archives
type Destination interface {
	List(ctx context.Context) ([]string, error)
	Upload(ctx context.Context, name string, r io.Reader) error
	Close() error
}

// DestinationFactory creates destinations for the URL schemes it accepts
type DestinationFactory interface {
	Accept(u *url.URL) bool
	Create(ctx context.Context, u *url.URL, password []byte) (Destination, error)
	Name() string
}
