package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

func TestSaveArtifactLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	svc := New(TypeLocal, dir, logger.NewNop())
	require.True(t, svc.Enabled())

	path, err := svc.SaveArtifact(context.Background(), "deck.pptx", strings.NewReader("PK\x03\x04"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "deck.pptx"), path)

	f, err := svc.Open("deck.pptx")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSaveArtifactStripsDirectories(t *testing.T) {
	dir := t.TempDir()
	svc := New(TypeLocal, dir, logger.NewNop())

	path, err := svc.SaveArtifact(context.Background(), "../../etc/deck.pptx", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "deck.pptx"), path)

	_, err = svc.SaveArtifact(context.Background(), "..", strings.NewReader("x"))
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestSaveArtifactCancelled(t *testing.T) {
	svc := New(TypeLocal, t.TempDir(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SaveArtifact(ctx, "deck.pptx", strings.NewReader("x"))
	assert.True(t, errors.Is(err, errors.ErrCodeCancelled))
}

func TestDisabledStorage(t *testing.T) {
	svc := New(TypeNone, t.TempDir(), logger.NewNop())
	assert.False(t, svc.Enabled())

	_, err := svc.SaveArtifact(context.Background(), "deck.pptx", strings.NewReader("x"))
	assert.True(t, errors.Is(err, errors.ErrCodeStorage))

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
}

func TestOpenMissing(t *testing.T) {
	svc := New(TypeLocal, t.TempDir(), logger.NewNop())
	_, err := svc.Open("nope.pptx")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
