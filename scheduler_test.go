package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunScheduled_InvalidCron(t *testing.T) {
	err := runScheduled(context.Background(), "every tuesday", func(context.Context) error { return nil }, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunScheduled_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runScheduled(ctx, "0 3 * * *", func(context.Context) error { return nil }, zerolog.Nop())
	assert.NoError(t, err)
}
