package main

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/kirillkom/doctor-video-intake/internal/bootstrap"
	"github.com/kirillkom/doctor-video-intake/internal/config"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
)

// backend is the slice of the application the CLI drives.
type backend struct {
	Submissions ports.SubmissionService
	Finalizer   ports.Finalizer
	Cleaner     ports.SubmissionCleaner
	Reclaim     func(ctx context.Context) (int64, error)
	Close       func()
}

// backendOpener builds the backend. Logs go to logOut so stdout carries
// only command output.
type backendOpener func(ctx context.Context, configPath string, logOut io.Writer) (*backend, error)

func openBackend(ctx context.Context, configPath string, logOut io.Writer) (*backend, error) {
	if configPath != "" {
		if err := os.Setenv("CONFIG_FILE", configPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.New(ctx, cfg, "videoctl", bootstrap.WithLogOutput(logOut))
	if err != nil {
		return nil, err
	}
	return &backend{
		Submissions: app.SubmissionsUC,
		Finalizer:   app.FinalizeUC,
		Cleaner:     app.CleanupUC,
		Reclaim:     app.ReclaimStale,
		Close:       app.Close,
	}, nil
}

type commandContext struct {
	open       backendOpener
	configFlag *string
	jsonFlag   *bool

	once    sync.Once
	backend *backend
	err     error
}

func newCommandContext(open backendOpener, configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{open: open, configFlag: configFlag, jsonFlag: jsonFlag}
}

func (c *commandContext) ensureBackend(ctx context.Context, logOut io.Writer) (*backend, error) {
	c.once.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.backend, c.err = c.open(ctx, path, logOut)
	})
	return c.backend, c.err
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) close() {
	if c.backend != nil && c.backend.Close != nil {
		c.backend.Close()
	}
}
