package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

const (
	TypeNone  = "none"
	TypeLocal = "local"
)

// Service keeps copies of built presentations.
type Service struct {
	storageType string
	basePath    string
	logger      *logger.Logger
}

func New(storageType, basePath string, log *logger.Logger) *Service {
	return &Service{
		storageType: storageType,
		basePath:    basePath,
		logger:      log,
	}
}

// Enabled reports whether artifacts are kept at all.
func (s *Service) Enabled() bool {
	return s != nil && s.storageType == TypeLocal
}

// SaveArtifact copies r into the store under fileName and returns the
// stored path.
func (s *Service) SaveArtifact(ctx context.Context, fileName string, r io.Reader) (string, error) {
	switch s.storageType {
	case TypeLocal:
		return s.saveLocal(ctx, fileName, r)
	default:
		return "", errors.New(errors.ErrCodeStorage, "artifact storage disabled")
	}
}

func (s *Service) saveLocal(ctx context.Context, fileName string, r io.Reader) (string, error) {
	name, err := sanitize(fileName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "failed to create output directory")
	}

	filePath := filepath.Join(s.basePath, name)
	tmp, err := os.CreateTemp(s.basePath, "."+name+".*")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "failed to create file")
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.CodeOf(err) != errors.ErrCodeInternal {
			return "", err
		}
		return "", errors.Wrap(err, errors.ErrCodeStorage, "failed to write file")
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "failed to write file")
	}

	s.logger.Info("saved artifact locally", "path", filePath, "size", size)
	return filePath, nil
}

// Open returns a stored artifact for reading.
func (s *Service) Open(fileName string) (*os.File, error) {
	name, err := sanitize(fileName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.basePath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeNotFound, "file not found")
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to read file")
	}
	return f, nil
}

// sanitize reduces a backend-supplied name to a plain base name.
func sanitize(fileName string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == ".." || strings.HasPrefix(name, ".") {
		return "", errors.New(errors.ErrCodeValidation, "invalid file name")
	}
	return name, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeCancelled, "save cancelled")
	}
	return c.r.Read(p)
}
