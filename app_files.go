package main

import (
	"context"
	"fmt"
	"strings"
)

// ListDirectory expands every directory from the root down to p and returns
// the children of p
func (a *App) ListDirectory(ctx context.Context, p string) ([]FileEntry, error) {
	for _, dir := range ancestors(normalizePath(p)) {
		if err := a.files.Expand(ctx, dir); err != nil {
			return nil, err
		}
		node, err := a.files.Node(dir)
		if err != nil {
			return nil, err
		}
		switch node.State.Status {
		case LoadError:
			return nil, fmt.Errorf("%s: %s", listingPath(dir), node.State.Message)
		case LoadNotLoaded:
			// cancelled while listing
			return nil, ctx.Err()
		}
	}
	return a.files.Children(p)
}

// ancestors returns the tree keys from the root to p inclusive
func ancestors(p string) []string {
	out := []string{""}
	if p == "" {
		return out
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		cur = childPath(cur, part)
		out = append(out, cur)
	}
	return out
}

// ReloadDirectory lists p again
func (a *App) ReloadDirectory(ctx context.Context, p string) error {
	return a.files.Reload(ctx, p)
}

// CollapseDirectory forgets everything below p
func (a *App) CollapseDirectory(p string) error {
	return a.files.Collapse(p)
}

// prepareParent makes sure the node a mutation targets is known to the tree
func (a *App) prepareParent(ctx context.Context, p string) error {
	_, err := a.ListDirectory(ctx, parentOf(p))
	return err
}

// CreateDirectory creates parent/name on the device
func (a *App) CreateDirectory(ctx context.Context, parent, name string) error {
	return a.files.CreateDirectory(ctx, parent, name)
}

// CreateFile creates an empty parent/name on the device
func (a *App) CreateFile(ctx context.Context, parent, name string) error {
	return a.files.CreateFile(ctx, parent, name)
}

// DeletePath removes p recursively
func (a *App) DeletePath(ctx context.Context, p string) error {
	return a.files.Delete(ctx, p)
}

// ChangePermissions applies a four digit octal mode to p
func (a *App) ChangePermissions(ctx context.Context, p, mode string) error {
	return a.files.Chmod(ctx, p, mode)
}

// PushFile uploads local into remoteDir
func (a *App) PushFile(ctx context.Context, local, remoteDir string) error {
	return a.files.Push(ctx, local, remoteDir)
}

// PullFile downloads remote into localDir
func (a *App) PullFile(ctx context.Context, remote, localDir string) error {
	return a.files.Pull(ctx, remote, localDir)
}

// FileDetails returns p with its checksums, listing its parent first when
// the tree has not seen it yet
func (a *App) FileDetails(ctx context.Context, p string, force bool) (FileDetails, error) {
	if _, err := a.files.Node(p); err != nil {
		if err := a.prepareParent(ctx, p); err != nil {
			return FileDetails{}, err
		}
	}
	return a.files.Details(ctx, p, force)
}
