// Package backend is the client for the AI/PPT backend endpoints.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/ChaseRain/pptwizard/internal/infra/config"
	"github.com/ChaseRain/pptwizard/internal/infra/httpclient"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/outline"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SlideCount  int    `json:"slideCount,omitempty"`
}

type GenerateContentRequest struct {
	Query        string   `json:"query"`
	Context      string   `json:"context"`
	SessionID    string   `json:"sessionId,omitempty"`
	ContainerIDs []string `json:"containerIds,omitempty"`
	UseRAG       bool     `json:"useRag"`
}

type BuildRequest struct {
	Slides         []outline.Slide `json:"slides"`
	OutputFilename string          `json:"outputFilename"`
}

type BuildResponse struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl,omitempty"`
}

type PreviewURLs struct {
	GooglePreviewURL string `json:"googlePreviewUrl,omitempty"`
	DirectURL        string `json:"directUrl,omitempty"`
}

type Service struct {
	cfg        config.BackendConfig
	httpClient *httpclient.Client
	logger     *logger.Logger
}

func New(cfg config.BackendConfig, client *httpclient.Client, log *logger.Logger) *Service {
	return &Service{
		cfg:        cfg,
		httpClient: client,
		logger:     log,
	}
}

// ListTemplates accepts either a bare array or {"templates": [...]}.
func (s *Service) ListTemplates(ctx context.Context, opts httpclient.Options) ([]Template, error) {
	var raw json.RawMessage
	if err := s.httpClient.GetJSON(ctx, s.endpoint(s.cfg.TemplatesPath, nil), &raw, opts); err != nil {
		return nil, err
	}

	var templates []Template
	if err := json.Unmarshal(raw, &templates); err == nil {
		return templates, nil
	}
	var wrapped struct {
		Templates []Template `json:"templates"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to parse templates")
	}
	return wrapped.Templates, nil
}

// GenerateContent starts the streamed content generation on r. The caller
// owns the returned body.
func (s *Service) GenerateContent(ctx context.Context, r *httpclient.Request, templateID string, in GenerateContentRequest, opts httpclient.Options) (*httpclient.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request")
	}
	endpoint := s.endpoint(s.cfg.GenerateContentPath, map[string]string{"{id}": templateID})

	s.logger.Debug("generate content", "template_id", templateID, "use_rag", in.UseRAG)

	build := httpclient.JSONBody(http.MethodPost, endpoint, body)
	return r.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		return req, nil
	}, opts)
}

func (s *Service) BuildFromData(ctx context.Context, r *httpclient.Request, templateID string, in BuildRequest, opts httpclient.Options) (*BuildResponse, error) {
	endpoint := s.endpoint(s.cfg.BuildPath, map[string]string{"{id}": templateID})

	var out BuildResponse
	if err := r.PostJSON(ctx, endpoint, in, &out, opts); err != nil {
		return nil, err
	}
	if out.FileName == "" {
		out.FileName = in.OutputFilename
	}
	return &out, nil
}

func (s *Service) PreviewURL(ctx context.Context, r *httpclient.Request, fileName string, opts httpclient.Options) (*PreviewURLs, error) {
	endpoint := s.endpoint(s.cfg.PreviewURLPath, map[string]string{"{fileName}": fileName})

	var out PreviewURLs
	if err := r.GetJSON(ctx, endpoint, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download fetches a built file. Relative URLs resolve against the base URL;
// absolute links to other hosts are fetched without the backend token when
// the client is scoped.
func (s *Service) Download(ctx context.Context, r *httpclient.Request, fileURL string, opts httpclient.Options) (*httpclient.Response, error) {
	target := s.Resolve(fileURL)
	return r.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, opts)
}

// Resolve turns a backend-relative reference into an absolute URL.
func (s *Service) Resolve(ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return base.ResolveReference(u).String()
	}
	// keep the base path for bare file names
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + ref
}

func (s *Service) endpoint(path string, params map[string]string) string {
	for k, v := range params {
		path = strings.ReplaceAll(path, k, url.PathEscape(v))
	}
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + path
}
