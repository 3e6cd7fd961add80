package logger_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-reflink/internal/logger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWith(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := context.Background()
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	ctx = logger.With(ctx, zap.Uint64("inode", 12))
	logger.Info(ctx, "Remapped extent", zap.Uint64("blocks", 3))
	logger.Debug(ctx, "Not recorded")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "Remapped extent", entries[0].Message)
	require.Equal(t, map[string]any{
		"inode":  uint64(12),
		"blocks": uint64(3),
	}, entries[0].ContextMap())
}
