// Package results persists execution output as downloadable artifacts and
// serves them against single-use download tokens.
package results

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"querydesk/internal/domain"
	"querydesk/internal/observability"
)

// Defaults applied by NewService.
const (
	DefaultRetention    = time.Hour
	DefaultTokenMaxUses = 1
)

// Config controls artifact lifetime and download URLs.
type Config struct {
	// PublicBaseURL prefixes download URLs. Empty yields relative URLs.
	PublicBaseURL string
	Retention     time.Duration
	TokenMaxUses  int
}

// Service is the ResultStore.
type Service struct {
	index  domain.ResultIndex
	blobs  domain.BlobStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a results Service.
func NewService(index domain.ResultIndex, blobs domain.BlobStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.TokenMaxUses <= 0 {
		cfg.TokenMaxUses = DefaultTokenMaxUses
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, blobs: blobs, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// StoreRequest is the row set handed over by the orchestrator.
type StoreRequest struct {
	ExecutionID string
	OwnerID     string
	Columns     []string
	Rows        []domain.Row
	Formats     []string
	// MaxFileSizeMb caps each artifact; zero or negative disables the cap.
	MaxFileSizeMb int
}

// Store materializes every requested format, writes the blobs and records
// the result with one fresh token per format. It returns format → URL.
// On failure nothing is indexed and written blobs are removed.
func (s *Service) Store(ctx context.Context, req StoreRequest) (map[string]string, error) {
	if req.ExecutionID == "" {
		return nil, domain.ErrValidation("execution id is required")
	}
	formats := dedupe(req.Formats)
	if len(formats) == 0 {
		return nil, domain.ErrValidation("at least one download format is required")
	}
	for _, f := range formats {
		if !SupportedFormat(f) {
			return nil, domain.ErrValidation("unsupported download format %q", f)
		}
	}
	maxBytes := int64(req.MaxFileSizeMb) * 1024 * 1024

	var (
		mu        sync.Mutex
		written   []string
		artifacts = make(map[string]domain.Artifact, len(formats))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, format := range formats {
		g.Go(func() error {
			data, err := Encode(format, req.Columns, req.Rows)
			if err != nil {
				return fmt.Errorf("encode %s: %w", format, err)
			}
			if maxBytes > 0 && int64(len(data)) > maxBytes {
				return domain.ErrValidation("%s artifact is %d bytes, exceeding the %d MB file size limit",
					format, len(data), req.MaxFileSizeMb)
			}
			a := domain.Artifact{
				Format:      format,
				BlobKey:     blobKey(req.ExecutionID, format),
				ContentType: ContentType(format),
				SizeBytes:   int64(len(data)),
			}
			if err := s.blobs.Put(gctx, a.BlobKey, data, a.ContentType); err != nil {
				return fmt.Errorf("write %s artifact: %w", format, err)
			}
			mu.Lock()
			written = append(written, a.BlobKey)
			artifacts[format] = a
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.deleteBlobs(written)
		return nil, err
	}

	now := s.now().UTC()
	res := &domain.StoredResult{
		ExecutionID: req.ExecutionID,
		OwnerID:     req.OwnerID,
		Columns:     req.Columns,
		RowCount:    len(req.Rows),
		Artifacts:   artifacts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Retention),
	}
	tokens := make([]domain.DownloadToken, 0, len(formats))
	urls := make(map[string]string, len(formats))
	for _, format := range formats {
		tok, err := s.newToken(req.ExecutionID, format, now, res.ExpiresAt)
		if err != nil {
			s.deleteBlobs(written)
			return nil, err
		}
		tokens = append(tokens, tok)
		urls[format] = s.DownloadURL(req.ExecutionID, format, tok.Token)
	}

	if err := s.index.Save(ctx, res, tokens); err != nil {
		s.deleteBlobs(written)
		return nil, fmt.Errorf("index stored result: %w", err)
	}
	for _, a := range artifacts {
		observability.ObserveArtifactStored(a.Format, int(a.SizeBytes))
	}
	s.logger.Info("result stored",
		"execution_id", req.ExecutionID, "owner", req.OwnerID, "formats", formats, "rows", len(req.Rows))
	return urls, nil
}

// GetForDownload validates the token for (executionID, format) and returns
// the artifact bytes. The token is consumed before the blob is read; a
// failed read hands the use back.
func (s *Service) GetForDownload(ctx context.Context, executionID, format, token string) (*domain.Download, error) {
	res, err := s.lookup(ctx, executionID)
	if err != nil {
		observability.ObserveDownload(format, "not_found")
		return nil, err
	}
	artifact, ok := res.Artifacts[format]
	if !ok {
		observability.ObserveDownload(format, "not_found")
		return nil, &domain.ResultNotFoundError{ExecutionID: executionID}
	}

	if _, err := s.index.ConsumeToken(ctx, token, executionID, format, s.now()); err != nil {
		observability.ObserveDownload(format, "invalid_token")
		return nil, err
	}

	body, err := s.blobs.Get(ctx, artifact.BlobKey)
	if err != nil {
		s.releaseToken(token)
		if errors.Is(err, domain.ErrBlobNotFound) {
			observability.ObserveDownload(format, "not_found")
			return nil, &domain.ResultNotFoundError{ExecutionID: executionID}
		}
		observability.ObserveDownload(format, "error")
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	observability.ObserveDownload(format, "success")
	return &domain.Download{
		ExecutionID: executionID,
		Format:      format,
		ContentType: artifact.ContentType,
		Filename:    "result." + format,
		Body:        body,
	}, nil
}

// IssueToken mints a fresh token for an artifact the caller owns and returns
// its download URL. Results owned by someone else are reported as missing.
func (s *Service) IssueToken(ctx context.Context, executionID, format, ownerID string) (string, error) {
	res, err := s.lookup(ctx, executionID)
	if err != nil {
		return "", err
	}
	if res.OwnerID != ownerID {
		return "", &domain.ResultNotFoundError{ExecutionID: executionID}
	}
	if _, ok := res.Artifacts[format]; !ok {
		return "", domain.ErrValidation("format %q was not stored for execution %q", format, executionID)
	}

	now := s.now().UTC()
	expires := now.Add(s.cfg.Retention)
	if res.ExpiresAt.Before(expires) {
		expires = res.ExpiresAt
	}
	tok, err := s.newToken(executionID, format, now, expires)
	if err != nil {
		return "", err
	}
	if err := s.index.AddToken(ctx, tok); err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return "", &domain.ResultNotFoundError{ExecutionID: executionID}
		}
		return "", fmt.Errorf("add download token: %w", err)
	}
	return s.DownloadURL(executionID, format, tok.Token), nil
}

// DownloadURL builds the download link for a token.
func (s *Service) DownloadURL(executionID, format, token string) string {
	q := url.Values{}
	q.Set("format", format)
	q.Set("token", token)
	return fmt.Sprintf("%s/run/results/%s/download?%s", s.cfg.PublicBaseURL, url.PathEscape(executionID), q.Encode())
}

func (s *Service) lookup(ctx context.Context, executionID string) (*domain.StoredResult, error) {
	res, err := s.index.Get(ctx, executionID)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.ResultNotFoundError{ExecutionID: executionID}
		}
		return nil, fmt.Errorf("load stored result: %w", err)
	}
	if res.Expired(s.now()) {
		return nil, &domain.ResultNotFoundError{ExecutionID: executionID}
	}
	return res, nil
}

func (s *Service) newToken(executionID, format string, issued, expires time.Time) (domain.DownloadToken, error) {
	value, err := NewTokenValue()
	if err != nil {
		return domain.DownloadToken{}, err
	}
	return domain.DownloadToken{
		Token:       value,
		ExecutionID: executionID,
		Format:      format,
		IssuedAt:    issued,
		ExpiresAt:   expires,
		MaxUses:     s.cfg.TokenMaxUses,
	}, nil
}

// releaseToken returns a use consumed by a download that failed to read its
// artifact. It uses a fresh context so it runs when the request was cancelled.
func (s *Service) releaseToken(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.index.ReleaseToken(ctx, token); err != nil {
		s.logger.Warn("release download token failed", "error", err)
	}
}

// deleteBlobs removes blobs written by a failed Store. It uses a fresh
// context so cleanup still runs when the request was cancelled.
func (s *Service) deleteBlobs(keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := s.blobs.Delete(ctx, k); err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
			s.logger.Warn("delete orphaned artifact failed", "key", k, "error", err)
		}
	}
}

// NewTokenValue returns 32 random bytes encoded as unpadded base64url.
func NewTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate download token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func blobKey(executionID, format string) string {
	return "results/" + executionID + "/result." + format
}

func dedupe(formats []string) []string {
	out := make([]string, 0, len(formats))
	seen := make(map[string]bool, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
