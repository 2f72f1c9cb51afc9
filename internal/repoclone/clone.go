// Package repoclone clones and refreshes the git repositories behind the
// /clone command and discovers the slash commands each repository defines.
package repoclone

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/gitexec"
)

// Config holds configuration for the repository cloner.
type Config struct {
	// BasePath is the directory repositories are cloned under, laid out as
	// {base}/{owner}/{name}. Supports ~ expansion for the home directory.
	// Default: ~/.lugh/repos
	BasePath string `mapstructure:"basePath"`
}

// Repo is a parsed repository reference.
type Repo struct {
	Owner    string
	Name     string
	CloneURL string
}

// Cloner handles git clone and fetch operations.
type Cloner struct {
	config   Config
	protocol string
	git      gitexec.Git
	logger   *logger.Logger
	// repoMus maps repo path → *sync.Mutex so concurrent clone or fetch
	// operations on the same repository directory are serialized.
	repoMus sync.Map
}

// NewCloner creates a Cloner. An empty protocol takes the detected default.
func NewCloner(cfg Config, protocol string, git gitexec.Git, log *logger.Logger) *Cloner {
	if cfg.BasePath == "" {
		cfg.BasePath = "~/.lugh/repos"
	}
	if protocol == "" {
		protocol = DetectGitProtocol()
	}
	return &Cloner{
		config:   cfg,
		protocol: protocol,
		git:      git,
		logger:   log.WithFields(zap.String("component", "repoclone")),
	}
}

// repoMu returns (or lazily creates) the mutex for a repository path.
func (c *Cloner) repoMu(path string) *sync.Mutex {
	mu, _ := c.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Cloner) ExpandedBasePath() (string, error) {
	path := c.config.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// RepoPath returns the full local path for a repository.
func (c *Cloner) RepoPath(owner, name string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, owner, name), nil
}

// Clone parses a repository reference and ensures a local clone exists.
// Returns the parsed repo and its local path.
func (c *Cloner) Clone(ctx context.Context, ref string) (*Repo, string, error) {
	repo, err := ParseRepoURL(ref, c.protocol)
	if err != nil {
		return nil, "", err
	}
	path, err := c.EnsureCloned(ctx, repo.CloneURL, repo.Owner, repo.Name)
	if err != nil {
		return nil, "", err
	}
	return repo, path, nil
}

// EnsureCloned clones the repository if it doesn't exist locally, or fetches
// if it does. Returns the local filesystem path. Concurrent calls for the
// same repository are serialized to prevent double-clone races.
func (c *Cloner) EnsureCloned(ctx context.Context, cloneURL, owner, name string) (string, error) {
	targetPath, err := c.RepoPath(owner, name)
	if err != nil {
		return "", err
	}

	mu := c.repoMu(targetPath)
	mu.Lock()
	defer mu.Unlock()

	gitDir := filepath.Join(targetPath, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		c.fetch(ctx, targetPath)
		return targetPath, nil
	}

	if err := c.clone(ctx, cloneURL, targetPath); err != nil {
		return "", err
	}
	return targetPath, nil
}

// fetch refreshes an existing clone. Failures are logged and tolerated so
// offline use keeps working against the last fetched state.
func (c *Cloner) fetch(ctx context.Context, repoPath string) {
	c.logger.Debug("Repository already cloned, fetching", zap.String("path", repoPath))
	if _, err := c.git.RunNetwork(ctx, repoPath, "fetch", "--all", "--prune"); err != nil {
		c.logger.Warn("Fetch failed",
			zap.String("path", repoPath),
			zap.Error(err))
	}
}

func (c *Cloner) clone(ctx context.Context, cloneURL, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	c.logger.Info("Cloning repository",
		zap.String("url", cloneURL),
		zap.String("target", targetPath))

	if _, err := c.git.RunNetwork(ctx, "", "clone", cloneURL, targetPath); err != nil {
		return err
	}
	// Clones created by one uid and read by another are rejected by git
	// without the safe.directory entry.
	if err := gitexec.AddSafeDirectory(ctx, c.git, targetPath); err != nil {
		c.logger.Warn("Failed to register safe.directory",
			zap.String("path", targetPath),
			zap.Error(err))
	}
	return nil
}

// ParseRepoURL accepts the forms users paste into /clone: a full HTTPS URL,
// an SSH URL, or the "owner/repo" shorthand. Shorthand refers to GitHub and
// builds its clone URL with the given protocol (empty takes the default).
func ParseRepoURL(ref, protocol string) (*Repo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("empty repository reference")
	}
	if protocol == "" {
		protocol = DetectGitProtocol()
	}

	switch {
	case strings.HasPrefix(ref, "git@"):
		_, rest, ok := strings.Cut(ref, ":")
		if !ok {
			return nil, fmt.Errorf("malformed SSH repository URL: %q", ref)
		}
		owner, name, err := splitOwnerRepo(strings.TrimSuffix(rest, ".git"))
		if err != nil {
			return nil, err
		}
		return &Repo{Owner: owner, Name: name, CloneURL: ref}, nil

	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("malformed repository URL: %w", err)
		}
		owner, name, err := splitOwnerRepo(strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git"))
		if err != nil {
			return nil, err
		}
		cloneURL := ref
		if !strings.HasSuffix(cloneURL, ".git") {
			cloneURL += ".git"
		}
		return &Repo{Owner: owner, Name: name, CloneURL: cloneURL}, nil

	default:
		owner, name, err := splitOwnerRepo(strings.TrimSuffix(ref, ".git"))
		if err != nil {
			return nil, err
		}
		cloneURL, err := CloneURL("github", owner, name, protocol)
		if err != nil {
			return nil, err
		}
		return &Repo{Owner: owner, Name: name, CloneURL: cloneURL}, nil
	}
}

func splitOwnerRepo(s string) (owner, name string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected owner/repo, got %q", s)
	}
	return parts[0], parts[1], nil
}
