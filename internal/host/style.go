package host

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flatnas/scripthost/internal/infrastructure/logging"
)

// Compiler turns user CSS source into final CSS. The tagged-block to
// media-query compiler is an external collaborator; Passthrough is used
// when none is wired.
type Compiler interface {
	Compile(source string) (string, error)
}

// Passthrough returns CSS source unchanged.
type Passthrough struct{}

// Compile implements Compiler.
func (Passthrough) Compile(source string) (string, error) { return source, nil }

// StyleStore holds the current user CSS, routed through the compiler
// boundary on every update.
type StyleStore struct {
	compiler Compiler
	logger   *logging.Logger

	mu       sync.RWMutex
	source   string
	compiled string
}

// NewStyleStore creates a store backed by the given compiler.
func NewStyleStore(compiler Compiler, logger *logging.Logger) *StyleStore {
	if compiler == nil {
		compiler = Passthrough{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StyleStore{compiler: compiler, logger: logger.Named("style")}
}

// Set compiles and stores new CSS source. On compile failure the
// previous compiled CSS is kept.
func (s *StyleStore) Set(source string) error {
	compiled, err := s.compiler.Compile(source)
	if err != nil {
		s.logger.Warn("css compilation failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.source = source
	s.compiled = compiled
	s.mu.Unlock()
	return nil
}

// Source returns the last stored CSS source text.
func (s *StyleStore) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// CSS returns the current compiled CSS.
func (s *StyleStore) CSS() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled
}
