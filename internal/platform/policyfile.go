package platform

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// policyDocument is the on-disk shape of the policy file.
type policyDocument struct {
	Projects []ScopePolicy `yaml:"projects"`
	Roles    []Role        `yaml:"roles"`
}

// FilePolicyProvider serves scope policies and roles from a YAML file owned by
// the surrounding platform. The file is re-parsed on change so that every
// validation sees the freshest scope without restarting the process.
type FilePolicyProvider struct {
	mu       sync.RWMutex
	path     string
	projects map[string]ScopePolicy
	roles    map[string]Role

	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *zap.Logger
}

// NewFilePolicyProvider loads the policy file and starts watching it.
func NewFilePolicyProvider(path string, logger *zap.Logger) (*FilePolicyProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &FilePolicyProvider{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

// reload re-parses the policy file and swaps the lookup maps.
func (p *FilePolicyProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	projects := make(map[string]ScopePolicy, len(doc.Projects))
	for _, sp := range doc.Projects {
		projects[sp.ProjectID] = sp
	}
	roles := make(map[string]Role, len(doc.Roles))
	for _, r := range doc.Roles {
		roles[r.Identity] = r
	}

	p.mu.Lock()
	p.projects = projects
	p.roles = roles
	p.mu.Unlock()

	p.logger.Debug("policy reloaded",
		zap.String("path", p.path),
		zap.Int("projects", len(projects)),
		zap.Int("roles", len(roles)))
	return nil
}

func (p *FilePolicyProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				// A half-written file is retried on the next write event.
				p.logger.Warn("policy reload failed", zap.Error(err))
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

// ScopePolicy returns the current scope policy for a project.
func (p *FilePolicyProvider) ScopePolicy(projectID string) (ScopePolicy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sp, ok := p.projects[projectID]
	if !ok {
		return ScopePolicy{}, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	return sp, nil
}

// Role returns the current role record for an identity.
func (p *FilePolicyProvider) Role(identity string) (Role, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.roles[identity]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return r, nil
}

// Close stops the file watcher.
func (p *FilePolicyProvider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// StaticPolicyProvider serves fixed in-memory policies. Used in tests and for
// single-project batch runs where hot reload is unnecessary.
type StaticPolicyProvider struct {
	Projects map[string]ScopePolicy
	Roles    map[string]Role
}

// ScopePolicy implements PolicyProvider.
func (s *StaticPolicyProvider) ScopePolicy(projectID string) (ScopePolicy, error) {
	sp, ok := s.Projects[projectID]
	if !ok {
		return ScopePolicy{}, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	return sp, nil
}

// Role implements PolicyProvider.
func (s *StaticPolicyProvider) Role(identity string) (Role, error) {
	r, ok := s.Roles[identity]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return r, nil
}
