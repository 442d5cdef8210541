package metadata

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/errkind"
)

const (
	// gitTimeout bounds every single git operation.
	gitTimeout = 300 * time.Second
	// cloneDepth keeps the local mirror shallow; sync only ever reads
	// the tip of a branch.
	cloneDepth = 50
	// maxRepoBytes aborts the sync when the local mirror grows beyond
	// what a test-metadata repository could plausibly occupy.
	maxRepoBytes = 5 << 30
)

// Mirror maintains a local shallow clone of the metadata repository and
// serves branch checkouts to the synchronizer. One Mirror owns one
// directory; checkouts of different branches serialize on it.
type Mirror struct {
	repoURL    string
	dir        string
	sshKeyPath string
	logger     *logrus.Entry

	mu sync.Mutex
}

// NewMirror builds a mirror of repoURL under dir. sshKeyPath may be
// empty when the remote needs no key; when set, the key file must be
// readable by the owner only.
func NewMirror(repoURL, dir, sshKeyPath string, logger *logrus.Entry) (*Mirror, error) {
	if sshKeyPath != "" {
		info, err := os.Stat(sshKeyPath)
		if err != nil {
			return nil, fmt.Errorf("could not stat SSH key: %w", err)
		}
		if mode := info.Mode().Perm(); mode != 0o600 {
			return nil, fmt.Errorf("SSH key %s has mode %04o, expected 0600", sshKeyPath, mode)
		}
	}
	return &Mirror{
		repoURL:    repoURL,
		dir:        dir,
		sshKeyPath: sshKeyPath,
		logger:     logger,
	}, nil
}

// EnsureCheckout makes dir hold branch at its remote tip and returns
// the directory. The first call clones shallowly; later calls fetch and
// hard-reset, so local state never survives a sync.
func (m *Mirror) EnsureCheckout(ctx context.Context, branch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(filepath.Join(m.dir, ".git")); os.IsNotExist(err) {
		if _, err := m.git(ctx, "", "clone", "--depth", fmt.Sprint(cloneDepth), "--branch", branch, m.repoURL, m.dir); err != nil {
			return "", err
		}
	} else {
		if _, err := m.git(ctx, m.dir, "fetch", "--depth", fmt.Sprint(cloneDepth), "origin", branch); err != nil {
			return "", err
		}
		if _, err := m.git(ctx, m.dir, "checkout", branch); err != nil {
			return "", err
		}
		if _, err := m.git(ctx, m.dir, "reset", "--hard", "origin/"+branch); err != nil {
			return "", err
		}
	}

	size, err := dirSize(m.dir)
	if err != nil {
		return "", fmt.Errorf("could not measure repository size: %w", err)
	}
	if size > maxRepoBytes {
		return "", errkind.ForReason(errkind.ReasonConfig).ForError(fmt.Errorf("repository at %s is %d bytes, over the %d byte limit", m.dir, size, int64(maxRepoBytes)))
	}
	return m.dir, nil
}

// Clean removes the local mirror. The Mirror is unusable after calling.
func (m *Mirror) Clean() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(m.dir)
}

func (m *Mirror) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if m.sshKeyPath != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes", m.sshKeyPath))
	}
	m.logger.WithField("args", cmd.Args).WithField("dir", dir).Debug("Running git command")

	out, err := cmd.CombinedOutput()
	if err != nil {
		// Network-flavored git failures are worth a retry; everything
		// else is not going to improve on its own.
		reason := errkind.ReasonUnknown
		if ctx.Err() != nil || looksTransient(string(out)) {
			reason = errkind.ReasonTransient
		}
		return nil, errkind.ForReason(reason).WithError(err).Errorf("git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return out, nil
}

func looksTransient(output string) bool {
	for _, marker := range []string{
		"Could not resolve host",
		"Connection timed out",
		"Connection reset",
		"early EOF",
		"The remote end hung up",
	} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
