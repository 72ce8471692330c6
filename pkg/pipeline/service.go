// Package pipeline drives uploads, downloads and listings against a
// remote context, with retry, caching and per-item in-flight tracking.
package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/cache"
	"github.com/3FT-io/medshare/pkg/remote"
	"github.com/3FT-io/medshare/pkg/retry"
)

// DefaultMaxUploadBytes is the per-file upload ceiling.
const DefaultMaxUploadBytes = 40 * 1024

type Options struct {
	Cache          *cache.Cache
	Policy         *retry.Policy
	Logger         *zap.Logger
	MaxUploadBytes int64
	OutputDir      string
}

// Service is the client side of one session. The remote client is
// injected; nothing here reaches for global state.
type Service struct {
	client    remote.Client
	cache     *cache.Cache
	policy    *retry.Policy
	logger    *zap.Logger
	validate  *formValidator
	maxUpload int64
	outputDir string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewService(client remote.Client, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(0, 0)
	}
	policy := opts.Policy
	if policy == nil {
		policy = retry.NewPolicy(logger)
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	return &Service{
		client:    client,
		cache:     c,
		policy:    policy,
		logger:    logger,
		validate:  newFormValidator(),
		maxUpload: maxUpload,
		outputDir: outputDir,
		inflight:  make(map[string]struct{}),
	}
}

// Cache exposes the query cache, mainly for inspection in tests.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// begin marks key as in flight. The returned func clears it and must be
// deferred by the caller.
func (s *Service) begin(key string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return nil, apperr.Newf(apperr.KindInFlight, "operation already in progress for %s", key)
	}
	s.inflight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}, nil
}

// InFlight reports whether an operation for key is running.
func (s *Service) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}
