package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
)

const remoteName = "origin"

// GitOptions configures a GitStore.
type GitOptions struct {
	// URL of the shared remote. Used to clone when Workdir is not a repository.
	URL     string
	Branch  string
	Workdir string
	Layout  layout.Layout

	// Username and Token enable HTTP basic auth. Token empty means no auth.
	Username string
	Token    string

	AuthorName  string
	AuthorEmail string

	// MinSyncInterval throttles fetches. Zero disables throttling.
	MinSyncInterval time.Duration

	// Watch enables change notifications when the remote is a local path.
	Watch bool

	Logger *logging.Logger
}

// GitStore is a Store backed by a git working copy and a single remote branch.
type GitStore struct {
	repo      *git.Repository
	opts      GitOptions
	auth      transport.AuthMethod
	branchRef plumbing.ReferenceName
	remoteRef plumbing.ReferenceName
	limiter   *rate.Limiter
	watcher   *RemoteWatcher
	logger    *logging.Logger

	mu sync.Mutex
}

var (
	_ Store    = (*GitStore)(nil)
	_ Notifier = (*GitStore)(nil)
)

// OpenGit opens the working copy at opts.Workdir, cloning opts.URL into it if
// it is not a repository yet.
func OpenGit(ctx context.Context, opts GitOptions) (*GitStore, error) {
	if opts.Branch == "" {
		return nil, errors.New("git store: branch is required")
	}
	if opts.Workdir == "" {
		opts.Workdir = "."
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	var auth transport.AuthMethod
	if opts.Token != "" {
		auth = &githttp.BasicAuth{Username: opts.Username, Password: opts.Token}
	}
	branchRef := plumbing.NewBranchReferenceName(opts.Branch)

	repo, err := git.PlainOpen(opts.Workdir)
	switch {
	case err == nil:
	case errors.Is(err, git.ErrRepositoryNotExists):
		if opts.URL == "" {
			return nil, fmt.Errorf("git store: %s is not a repository and no url is configured", opts.Workdir)
		}
		repo, err = git.PlainCloneContext(ctx, opts.Workdir, false, &git.CloneOptions{
			URL:           opts.URL,
			Auth:          auth,
			RemoteName:    remoteName,
			ReferenceName: branchRef,
			SingleBranch:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("git store: clone %s: %w", opts.URL, err)
		}
	default:
		return nil, fmt.Errorf("git store: open %s: %w", opts.Workdir, err)
	}

	remote, err := repo.Remote(remoteName)
	switch {
	case err == nil:
		if opts.URL == "" && len(remote.Config().URLs) > 0 {
			opts.URL = remote.Config().URLs[0]
		}
	case errors.Is(err, git.ErrRemoteNotFound) && opts.URL != "":
		if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{opts.URL}}); err != nil {
			return nil, fmt.Errorf("git store: add remote: %w", err)
		}
	default:
		return nil, fmt.Errorf("git store: remote %s: %w", remoteName, err)
	}

	g := &GitStore{
		repo:      repo,
		opts:      opts,
		auth:      auth,
		branchRef: branchRef,
		remoteRef: plumbing.NewRemoteReferenceName(remoteName, opts.Branch),
		logger:    opts.Logger.Named("store"),
	}
	if opts.MinSyncInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(opts.MinSyncInterval), 1)
	}
	if opts.Watch {
		if dir, ok := LocalRemotePath(opts.URL); ok {
			w, err := NewRemoteWatcher(dir, g.logger)
			if err != nil {
				g.logger.Warn(ctx, "remote watch unavailable, falling back to polling", zap.Error(err))
			} else {
				g.watcher = w
			}
		}
	}
	return g, nil
}

// Close stops the remote watcher, if any.
func (g *GitStore) Close() error {
	if g.watcher != nil {
		return g.watcher.Close()
	}
	return nil
}

// Changes signals remote ref updates. It never fires without a watcher.
func (g *GitStore) Changes() <-chan struct{} {
	if g.watcher == nil {
		return nil
	}
	return g.watcher.Changes()
}

func (g *GitStore) Sync(ctx context.Context) (SyncResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res SyncResult
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return res, err
		}
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", g.branchRef, g.remoteRef))
	err := g.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       g.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return res, fmt.Errorf("fetch: %w", err)
	}

	remote, err := g.commitAt(g.remoteRef)
	if err != nil {
		return res, fmt.Errorf("remote head: %w", err)
	}
	res.Head = remote.Hash.String()

	local, err := g.commitAt(g.branchRef)
	if err != nil {
		return res, fmt.Errorf("local head: %w", err)
	}
	if local.Hash == remote.Hash {
		return res, nil
	}

	behind, err := local.IsAncestor(remote)
	if err != nil {
		return res, fmt.Errorf("ancestry: %w", err)
	}
	ahead := false
	if !behind {
		if ahead, err = remote.IsAncestor(local); err != nil {
			return res, fmt.Errorf("ancestry: %w", err)
		}
	}
	if ahead {
		return res, nil
	}

	w, err := g.repo.Worktree()
	if err != nil {
		return res, err
	}
	dirty, err := g.dirtyFiles(w)
	if err != nil {
		return res, fmt.Errorf("worktree status: %w", err)
	}

	res.Advanced = true
	if behind {
		err = g.resetTo(remote.Hash)
	} else {
		res.Replayed, res.Discarded, err = g.replay(ctx, local, remote)
		if err != nil {
			err = fmt.Errorf("replay: %w", err)
		}
	}
	if err != nil {
		return res, err
	}

	head, err := g.commitAt(g.branchRef)
	if err != nil {
		return res, fmt.Errorf("local head: %w", err)
	}
	res.Overwritten, err = g.restoreDirty(w, local, head, dirty)
	if err != nil {
		return res, fmt.Errorf("restore worktree: %w", err)
	}
	if len(res.Overwritten) > 0 {
		g.logger.Warn(ctx, "remote changes overwrote uncommitted worker files",
			zap.Strings("paths", res.Overwritten))
	}
	return res, nil
}

// dirtyFile is an uncommitted worktree change outside the state directory.
type dirtyFile struct {
	path    string
	data    []byte
	mode    os.FileMode
	deleted bool
}

// dirtyFiles snapshots uncommitted non-coordination changes, untracked files
// included, so a hard reset can put them back.
func (g *GitStore) dirtyFiles(w *git.Worktree) ([]dirtyFile, error) {
	status, err := w.Status()
	if err != nil {
		return nil, err
	}
	root := w.Filesystem.Root()
	var out []dirtyFile
	for _, p := range sortedKeys(status) {
		st := status[p]
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		if g.opts.Layout.IsCoordination(p) {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if errors.Is(err, os.ErrNotExist) {
			out = append(out, dirtyFile{path: p, deleted: true})
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		out = append(out, dirtyFile{path: p, data: data, mode: info.Mode().Perm()})
	}
	return out, nil
}

// restoreDirty writes saved changes back after the head moved from old to
// head. A path whose committed content differs between the two cannot be
// restored without clobbering the remote; it is returned as overwritten.
func (g *GitStore) restoreDirty(w *git.Worktree, old, head *object.Commit, files []dirtyFile) ([]string, error) {
	root := w.Filesystem.Root()
	var overwritten []string
	for _, f := range files {
		if blobAt(old, f.path) != blobAt(head, f.path) {
			overwritten = append(overwritten, f.path)
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(f.path))
		if f.deleted {
			if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
				return overwritten, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return overwritten, err
		}
		if err := os.WriteFile(full, f.data, f.mode); err != nil {
			return overwritten, err
		}
	}
	return overwritten, nil
}

// blobAt returns the blob hash of p in c, zero when absent.
func blobAt(c *object.Commit, p string) plumbing.Hash {
	f, err := c.File(p)
	if err != nil {
		return plumbing.ZeroHash
	}
	return f.Hash
}

// replay rebuilds local-only non-coordination commits on top of remote. If a
// path was changed on both sides to different content, the local commits are
// dropped and the working copy is reset to remote.
func (g *GitStore) replay(ctx context.Context, local, remote *object.Commit) (replayed, discarded int, err error) {
	bases, err := local.MergeBase(remote)
	if err != nil {
		return 0, 0, err
	}
	if len(bases) == 0 {
		g.logger.Warn(ctx, "local history unrelated to remote, resetting")
		return 0, 1, g.resetTo(remote.Hash)
	}
	base := bases[0]

	commits, err := commitsSince(local, base.Hash)
	if err != nil {
		return 0, 0, err
	}

	remoteChanged, err := g.diffCommits(base, remote, false)
	if err != nil {
		return 0, 0, err
	}
	localChanged, err := g.diffCommits(base, local, true)
	if err != nil {
		return 0, 0, err
	}

	conflict := ""
	for p, h := range localChanged {
		if rh, ok := remoteChanged[p]; ok && rh != h {
			conflict = p
			break
		}
	}

	type pending struct {
		commit  *object.Commit
		changes map[string]plumbing.Hash
	}
	var todo []pending
	for _, c := range commits {
		parent, err := c.Parent(0)
		if err != nil {
			return 0, 0, err
		}
		changes, err := g.diffCommits(parent, c, true)
		if err != nil {
			return 0, 0, err
		}
		if len(changes) > 0 {
			todo = append(todo, pending{commit: c, changes: changes})
		}
	}

	if err := g.resetTo(remote.Hash); err != nil {
		return 0, 0, err
	}
	if conflict != "" {
		g.logger.Warn(ctx, "local commits conflict with remote, discarding",
			zap.String("path", conflict),
			zap.Int("commits", len(todo)),
		)
		return 0, len(todo), nil
	}

	w, err := g.repo.Worktree()
	if err != nil {
		return 0, 0, err
	}
	for _, p := range todo {
		if err := g.applyCommitChanges(w, p.commit, p.changes); err != nil {
			return replayed, 0, err
		}
		author := p.commit.Author
		_, err := w.Commit(p.commit.Message, &git.CommitOptions{Author: &author, Committer: g.signature()})
		if errors.Is(err, git.ErrEmptyCommit) {
			continue
		}
		if err != nil {
			return replayed, 0, fmt.Errorf("recommit %s: %w", p.commit.Hash, err)
		}
		replayed++
	}
	return replayed, 0, nil
}

func (g *GitStore) applyCommitChanges(w *git.Worktree, c *object.Commit, changes map[string]plumbing.Hash) error {
	for _, p := range sortedKeys(changes) {
		if changes[p].IsZero() {
			if err := g.removePath(w, p); err != nil {
				return err
			}
			continue
		}
		f, err := c.File(p)
		if err != nil {
			return fmt.Errorf("read %s at %s: %w", p, c.Hash, err)
		}
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		perm := os.FileMode(0o644)
		if f.Mode == filemode.Executable {
			perm = 0o755
		}
		if err := g.writePath(w, p, []byte(contents), perm); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitStore) Append(ctx context.Context, cs *Changeset) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pre, err := g.commitAt(g.branchRef)
	if err != nil {
		return fmt.Errorf("local head: %w", err)
	}
	w, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	dirty, err := g.dirtyFiles(w)
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	rollback := func() error {
		if err := g.resetTo(pre.Hash); err != nil {
			return err
		}
		_, err := g.restoreDirty(w, pre, pre, dirty)
		return err
	}

	for _, p := range cs.Paths() {
		data, deleted, _ := cs.Get(p)
		if deleted {
			err = g.removePath(w, p)
		} else {
			err = g.writePath(w, p, data, 0o644)
		}
		if err != nil {
			_ = rollback()
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}

	_, err = w.Commit(cs.Message, &git.CommitOptions{Author: g.signature()})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		_ = rollback()
		return fmt.Errorf("commit: %w", err)
	}

	err = g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", g.branchRef, g.branchRef))},
		Auth:       g.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if resetErr := rollback(); resetErr != nil {
			return errors.Join(err, fmt.Errorf("restore %s: %w", pre.Hash, resetErr))
		}
		if isRejection(err) {
			g.logger.Debug(ctx, "push rejected", zap.String("message", cs.Message), zap.Error(err))
			return ErrRejected
		}
		return fmt.Errorf("push: %w", err)
	}

	head, err := g.commitAt(g.branchRef)
	if err != nil {
		return err
	}
	return g.repo.Storer.SetReference(plumbing.NewHashReference(g.remoteRef, head.Hash))
}

func (g *GitStore) CommitPending(ctx context.Context, message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, err := g.repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}

	staged := 0
	for _, p := range sortedKeys(status) {
		st := status[p]
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		if g.opts.Layout.IsCoordination(p) {
			continue
		}
		if st.Worktree == git.Deleted {
			_, err = w.Remove(p)
		} else {
			_, err = w.Add(p)
		}
		if err != nil {
			return false, fmt.Errorf("stage %s: %w", p, err)
		}
		staged++
	}
	if staged == 0 {
		return false, nil
	}

	_, err = w.Commit(message, &git.CommitOptions{Author: g.signature()})
	if errors.Is(err, git.ErrEmptyCommit) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	g.logger.Debug(ctx, "worker output committed", zap.Int("paths", staged))
	return true, nil
}

func (g *GitStore) Pending(ctx context.Context) ([]FileChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remote, err := g.commitAt(g.remoteRef)
	if err != nil {
		return nil, err
	}
	local, err := g.commitAt(g.branchRef)
	if err != nil {
		return nil, err
	}
	if local.Hash == remote.Hash {
		return nil, nil
	}

	changed, err := g.diffCommits(remote, local, true)
	if err != nil {
		return nil, err
	}
	out := make([]FileChange, 0, len(changed))
	for _, p := range sortedKeys(changed) {
		if changed[p].IsZero() {
			out = append(out, FileChange{Path: p, Deleted: true})
			continue
		}
		f, err := local.File(p)
		if err != nil {
			return nil, err
		}
		contents, err := f.Contents()
		if err != nil {
			return nil, err
		}
		out = append(out, FileChange{Path: p, Content: []byte(contents)})
	}
	return out, nil
}

func (g *GitStore) Discard(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	remote, err := g.commitAt(g.remoteRef)
	if err != nil {
		return err
	}
	g.logger.Info(ctx, "discarding unpublished commits", zap.String("reset_to", remote.Hash.String()))
	return g.resetTo(remote.Hash)
}

func (g *GitStore) Read(p string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.commitAt(g.branchRef)
	if err != nil {
		return nil, err
	}
	f, err := head.File(path.Clean(p))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(contents), nil
}

func (g *GitStore) List(dir string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.commitAt(g.branchRef)
	if err != nil {
		return nil, err
	}
	root, err := head.Tree()
	if err != nil {
		return nil, err
	}
	dir = path.Clean(dir)
	sub, err := root.Tree(dir)
	if errors.Is(err, object.ErrDirectoryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range sub.Entries {
		if e.Mode.IsFile() {
			out = append(out, path.Join(dir, e.Name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *GitStore) commitAt(ref plumbing.ReferenceName) (*object.Commit, error) {
	r, err := g.repo.Reference(ref, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return g.repo.CommitObject(r.Hash())
}

func (g *GitStore) resetTo(h plumbing.Hash) error {
	w, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	return w.Reset(&git.ResetOptions{Commit: h, Mode: git.HardReset})
}

func (g *GitStore) signature() *object.Signature {
	return &object.Signature{Name: g.opts.AuthorName, Email: g.opts.AuthorEmail, When: time.Now()}
}

func (g *GitStore) writePath(w *git.Worktree, p string, data []byte, perm os.FileMode) error {
	full := filepath.Join(w.Filesystem.Root(), filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, data, perm); err != nil {
		return err
	}
	_, err := w.Add(p)
	return err
}

func (g *GitStore) removePath(w *git.Worktree, p string) error {
	full := filepath.Join(w.Filesystem.Root(), filepath.FromSlash(p))
	if _, err := os.Stat(full); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	_, err := w.Remove(p)
	return err
}

// diffCommits maps each path changed between from and to onto its new blob
// hash (zero when deleted). Coordination paths are dropped when skipState is set.
func (g *GitStore) diffCommits(from, to *object.Commit, skipState bool) (map[string]plumbing.Hash, error) {
	a, err := from.Tree()
	if err != nil {
		return nil, err
	}
	b, err := to.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(a, b)
	if err != nil {
		return nil, err
	}

	out := make(map[string]plumbing.Hash, len(changes))
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		if skipState && g.opts.Layout.IsCoordination(name) {
			continue
		}
		out[name] = ch.To.TreeEntry.Hash
	}
	return out, nil
}

// commitsSince returns the first-parent chain from head back to (excluding) base, oldest first.
func commitsSince(head *object.Commit, base plumbing.Hash) ([]*object.Commit, error) {
	var chain []*object.Commit
	for c := head; c.Hash != base; {
		chain = append(chain, c)
		if c.NumParents() == 0 {
			break
		}
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		c = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// isRejection reports whether a push failed because the remote moved.
func isRejection(err error) bool {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"non-fast-forward", "fetch first", "failed to update ref", "failed to lock", "rejected", "stale info"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// LocalRemotePath returns the directory of a remote given as a plain path or file:// URL.
func LocalRemotePath(url string) (string, bool) {
	if strings.HasPrefix(url, "file://") {
		return strings.TrimPrefix(url, "file://"), true
	}
	if url == "" || strings.Contains(url, "://") {
		return "", false
	}
	// scp-like syntax: user@host:path
	if i := strings.Index(url, ":"); i > 0 && !filepath.IsAbs(url) && !strings.HasPrefix(url, ".") {
		return "", false
	}
	return url, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
