package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"nodelab/pkg/errs"
	"nodelab/pkg/model"
)

// Store manages one qcow2 overlay per node on top of a per-kind base image.
type Store struct {
	dir     string
	qemuImg string
	images  func(model.Kind) string
	timeout time.Duration
	runner  Runner
	log     *slog.Logger
}

// Options configures a Store.
type Options struct {
	Dir     string
	QemuImg string
	Images  func(model.Kind) string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

func New(opts Options) *Store {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.QemuImg == "" {
		opts.QemuImg = "qemu-img"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		dir:     opts.Dir,
		qemuImg: opts.QemuImg,
		images:  opts.Images,
		timeout: opts.Timeout,
		runner:  opts.Runner,
		log:     opts.Logger.With("component", "overlay"),
	}
}

// Path is the deterministic overlay location for a node.
func (s *Store) Path(nodeID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("node_%s.qcow2", nodeID))
}

// Create writes a fresh overlay for nodeID, discarding any previous one.
func (s *Store) Create(ctx context.Context, nodeID string, kind model.Kind) (string, error) {
	const op = "overlay.create"
	base := s.images(kind)
	if base == "" {
		return "", errs.New(errs.KindOverlayCreationFailed, op, fmt.Sprintf("no base image for kind %q", kind))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindOverlayCreationFailed, op, err, "create overlay dir")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	path := s.Path(nodeID)
	args := []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", base, path}
	_, stderr, err := s.runner.Run(ctx, s.qemuImg, args...)
	if err != nil {
		detail := fmt.Sprintf("%s %s", s.qemuImg, strings.Join(args, " "))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail += fmt.Sprintf(" exited %d", exitErr.ExitCode())
		}
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			detail += ": " + msg
		}
		s.log.Error("overlay creation failed", "node_id", nodeID, "err", err)
		return "", errs.Wrap(errs.KindOverlayCreationFailed, op, err, "%s", detail)
	}
	s.log.Info("overlay created", "node_id", nodeID, "kind", kind, "path", path)
	return path, nil
}

// Exists reports whether the node's overlay file is present.
func (s *Store) Exists(nodeID string) bool {
	_, err := os.Stat(s.Path(nodeID))
	return err == nil
}

// Remove deletes the node's overlay; a missing file is not an error.
func (s *Store) Remove(nodeID string) error {
	if err := os.Remove(s.Path(nodeID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove overlay: %w", err)
	}
	return nil
}
