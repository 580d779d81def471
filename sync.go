package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

type authenticator interface {
	Login(ctx context.Context) (string, error)
}

type archiveSource interface {
	Download(ctx context.Context, name string, w io.Writer) (int64, error)
}

// DestinationOpener connects to the configured destination.
type DestinationOpener func(ctx context.Context) (Destination, error)

// Syncer runs one reconciliation pass from the portal to the destination.
type Syncer struct {
	auth            authenticator
	source          archiveSource
	openDestination DestinationOpener
	stagingDir      string
	continueOnError bool
	logger          zerolog.Logger
}

func NewSyncer(auth authenticator, source archiveSource, open DestinationOpener, staging StagingConfig, upload UploadConfig, logger zerolog.Logger) *Syncer {
	return &Syncer{
		auth:            auth,
		source:          source,
		openDestination: open,
		stagingDir:      staging.Dir,
		continueOnError: upload.ContinueOnError,
		logger:          logger.With().Str("component", "sync").Logger(),
	}
}

// Run logs in, reconciles the two listings, downloads what is missing and
// uploads everything staged. Errors carry the stage they happened in.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	started := time.Now()

	page, err := s.auth.Login(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("stage", string(StageLogin)).Msg("Portal login failed")
		return report, stageErr(StageLogin, err)
	}

	portalNames, err := ParseFileNames(page)
	if err != nil {
		s.logger.Error().Err(err).Str("stage", string(StageListing)).Msg("Failed to read portal file list")
		return report, stageErr(StageListing, err)
	}
	report.PortalCount = len(portalNames)

	destNames, err := s.listDestination(ctx)
	if err != nil {
		return report, err
	}
	report.DestinationCount = len(destNames)

	missing := Missing(portalNames, destNames)
	s.logger.Info().
		Int("portal", len(portalNames)).
		Int("destination", len(destNames)).
		Int("missing", len(missing)).
		Msg("Reconciled file lists")

	for _, name := range missing {
		report.Track(name)
	}
	if err := s.download(ctx, missing, report); err != nil {
		return report, err
	}

	if err := s.upload(ctx, report); err != nil {
		return report, err
	}

	sum := report.Summary()
	s.logger.Info().
		Int("uploaded", sum.Uploaded).
		Int("failed", sum.Failed).
		Dur("duration", time.Since(started)).
		Msg("Sync completed")
	return report, nil
}

func (s *Syncer) listDestination(ctx context.Context) ([]string, error) {
	dest, err := s.openDestination(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("stage", string(StageConnect)).Msg("Destination connection failed")
		return nil, stageErr(StageConnect, err)
	}
	defer dest.Close()

	names, err := dest.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("stage", string(StageListing)).Msg("Failed to list destination directory")
		return nil, stageErr(StageListing, err)
	}
	return names, nil
}

// download fetches each missing archive into the staging directory. The first
// failure aborts the run; its partial file is removed.
func (s *Syncer) download(ctx context.Context, missing []string, report *Report) error {
	for _, name := range missing {
		var size int64
		localPath, err := saveStream(s.stagingDir, name, func(w io.Writer) error {
			n, err := s.source.Download(ctx, name, w)
			size = n
			return err
		})
		if err != nil {
			report.Set(name, StatusFailed, err)
			s.logger.Error().Err(err).Str("stage", string(StageDownload)).Str("file", name).Msg("Download failed")
			return stageErr(StageDownload, fmt.Errorf("%s: %w", name, err))
		}
		report.Set(name, StatusDownloaded, nil)
		s.logger.Info().Str("file", name).Str("path", localPath).Int64("bytes", size).Msg("Downloaded archive")
	}
	return nil
}

// upload sends every staged file to the destination and deletes only the files
// confirmed uploaded. Failed files stay in the staging directory.
func (s *Syncer) upload(ctx context.Context, report *Report) error {
	staged, err := listStaged(s.stagingDir)
	if err != nil {
		return stageErr(StageUpload, err)
	}
	if len(staged) == 0 {
		s.logger.Info().Msg("Nothing to upload")
		return nil
	}

	dest, err := s.openDestination(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("stage", string(StageConnect)).Msg("Destination connection failed")
		return stageErr(StageConnect, err)
	}
	defer dest.Close()

	var failures *multierror.Error
	for _, name := range staged {
		report.Track(name)
		if err := s.uploadOne(ctx, dest, name); err != nil {
			report.Set(name, StatusFailed, err)
			s.logger.Error().Err(err).Str("stage", string(StageUpload)).Str("file", name).Msg("Upload failed")
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
			if !s.continueOnError || ctx.Err() != nil {
				break
			}
			continue
		}
		report.Set(name, StatusUploaded, nil)
		s.logger.Info().Str("file", name).Msg("Uploaded archive")
	}

	s.cleanup(report.Uploaded())

	if err := failures.ErrorOrNil(); err != nil {
		return stageErr(StageUpload, err)
	}
	return nil
}

func (s *Syncer) uploadOne(ctx context.Context, dest Destination, name string) error {
	localPath, err := stagingPath(s.stagingDir, name)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return dest.Upload(ctx, name, f)
}

func (s *Syncer) cleanup(uploaded []string) {
	for _, name := range uploaded {
		localPath, err := stagingPath(s.stagingDir, name)
		if err != nil {
			continue
		}
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", name).Msg("Failed to remove staged file")
		}
	}
}
