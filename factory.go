package main

import (
	"net/url"

	"github.com/rs/zerolog"
)

func newDestinationFactories(cfg DestinationConfig, logger zerolog.Logger) []DestinationFactory {
	return []DestinationFactory{
		&FTPDestinationFactory{Timeout: cfg.Timeout},
		&SFTPDestinationFactory{Timeout: cfg.Timeout, HostKey: cfg.HostKey, Logger: logger},
		&S3DestinationFactory{Config: cfg.S3},
		// add more
	}
}

func getDestinationFactory(factories []DestinationFactory, u *url.URL) DestinationFactory {
	for _, factory := range factories {
		if factory.Accept(u) {
			return factory
		}
	}
	return nil
}
