package executor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
)

// runWriteFile writes the content atomically, creating parent
// directories as needed. Overwriting an existing file requires the
// overwrite flag and keeps the file's mode.
func (e *Executor) runWriteFile(op api.WriteFileOp) (*api.ToolResult, error) {
	existed := false
	mode := os.FileMode(0644)
	if info, err := os.Stat(op.Path); err == nil {
		if info.IsDir() {
			return nil, errx.With(api.ErrTerminalFailure, ": %s is a directory", op.Path)
		}
		existed = true
		mode = info.Mode().Perm()
		if !op.Overwrite {
			return nil, errx.Wrap(api.ErrTerminalFailure, errx.With(ErrFileExists, " %s", op.Path))
		}
	} else if !os.IsNotExist(err) {
		return nil, errx.Wrap(api.ErrTerminalFailure, err)
	}

	if err := os.MkdirAll(filepath.Dir(op.Path), 0755); err != nil {
		return nil, errx.Wrap(api.ErrTerminalFailure, err)
	}
	if err := writeFileAtomic(op.Path, op.Content, mode); err != nil {
		return nil, err
	}
	return &api.ToolResult{File: &api.FileResult{
		BytesWritten: len(op.Content),
		Created:      !existed,
	}}, nil
}

// runPatchFile replaces an exact substring that must occur exactly once.
// Zero or multiple occurrences fail without touching the file.
func (e *Executor) runPatchFile(op api.PatchFileOp) (*api.ToolResult, error) {
	info, err := os.Stat(op.Path)
	if err != nil {
		return nil, errx.Wrap(api.ErrTerminalFailure, err)
	}
	data, err := os.ReadFile(op.Path)
	if err != nil {
		return nil, errx.Wrap(api.ErrTerminalFailure, err)
	}

	count := strings.Count(string(data), op.Find)
	if count == 0 {
		return nil, errx.Wrap(api.ErrTerminalFailure, errx.With(ErrPatchNotFound, " %q in %s", op.Find, op.Path))
	}
	if count > 1 {
		return nil, errx.Wrap(api.ErrTerminalFailure, errx.With(ErrPatchAmbiguous, " %q occurs %d times in %s", op.Find, count, op.Path))
	}

	patched := strings.Replace(string(data), op.Find, op.Replace, 1)
	if err := writeFileAtomic(op.Path, []byte(patched), info.Mode().Perm()); err != nil {
		return nil, err
	}
	return &api.ToolResult{File: &api.FileResult{BytesWritten: len(patched)}}, nil
}

func (e *Executor) runReadFile(op api.ReadFileOp) (*api.ToolResult, error) {
	data, err := os.ReadFile(op.Path)
	if err != nil {
		return nil, errx.Wrap(api.ErrTerminalFailure, err)
	}
	return &api.ToolResult{File: &api.FileResult{Content: data}}, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return errx.Wrap(api.ErrTerminalFailure, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errx.Wrap(api.ErrTerminalFailure, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errx.Wrap(api.ErrTerminalFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errx.Wrap(api.ErrTerminalFailure, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errx.Wrap(api.ErrTerminalFailure, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errx.Wrap(api.ErrTerminalFailure, err)
	}
	return nil
}
