// Package fs manages local files and folders as resources. It is the
// smallest real provider and doubles as the reference implementation of the
// idempotent-delete convention: deleting an already-absent target succeeds.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alloy-run/alloy"
)

const (
	TypeFile   = "fs::File"
	TypeFolder = "fs::Folder"
)

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

// File declares a file at path with the given content. Both inputs may be
// Outputs or Resources.
func File(id string, path, content any) *alloy.Resource {
	return alloy.NewResource(TypeFile, id, New(), path, content)
}

// Folder declares a directory at path.
func Folder(id string, path any) *alloy.Resource {
	return alloy.NewResource(TypeFolder, id, New(), path)
}

func (p *Provider) Update(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	switch req.Type {
	case TypeFile:
		return p.updateFile(req)
	case TypeFolder:
		return p.updateFolder(req)
	default:
		return nil, fmt.Errorf("fs: unknown resource type %q", req.Type)
	}
}

func (p *Provider) updateFile(req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		path, err := priorPath(req)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil, nil
	}

	path, err := stringInput(req, 0, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringInput(req, 1, "content")
	if err != nil {
		return nil, err
	}

	// An update that moves the file must not leave the old one behind.
	if req.Phase == alloy.PhaseUpdate {
		if old, err := priorPath(req); err == nil && old != path {
			if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to remove old file %s: %w", old, err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}

	return map[string]any{
		"path": path,
		"size": len(content),
	}, nil
}

func (p *Provider) updateFolder(req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		path, err := priorPath(req)
		if err != nil {
			return nil, err
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil, nil
	}

	path, err := stringInput(req, 0, "path")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return map[string]any{"path": path}, nil
}

// priorPath recovers the path from the persisted output of the last
// successful invocation; deletes have no live inputs to read it from.
func priorPath(req *alloy.UpdateRequest) (string, error) {
	out, ok := req.PriorOutput.(map[string]any)
	if !ok {
		return "", fmt.Errorf("fs: prior output for %s has no path", req.FQN)
	}
	path, ok := out["path"].(string)
	if !ok {
		return "", fmt.Errorf("fs: prior output for %s has no path", req.FQN)
	}
	return path, nil
}

func stringInput(req *alloy.UpdateRequest, i int, name string) (string, error) {
	if i >= len(req.Inputs) {
		return "", fmt.Errorf("fs: %s missing %s input", req.FQN, name)
	}
	s, ok := req.Inputs[i].(string)
	if !ok {
		return "", fmt.Errorf("fs: %s input of %s must be a string, got %T", name, req.FQN, req.Inputs[i])
	}
	return s, nil
}
