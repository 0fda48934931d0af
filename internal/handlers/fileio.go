package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// TypeIOOperation is the task type served by FileIO.
const TypeIOOperation = "io_operation"

// MaxReadBytes caps what a read task returns so the result fits in a frame.
const MaxReadBytes = 8 << 20

type ioInput struct {
	Operation string  `json:"operation"`
	Filename  string  `json:"filename"`
	Content   *string `json:"content"`
}

// FileIO reads and writes files below a root directory. Paths are resolved
// with os.Root, so absolute paths, ".." and symlinks leaving the root are
// rejected.
//
//	{"operation":"read","filename":"in/a.txt"}                -> {"content":"..."}
//	{"operation":"write","filename":"out/b.txt","content":"x"} -> {"status":"success"}
type FileIO struct {
	root string
}

// NewFileIO creates a FileIO confined to root.
func NewFileIO(root string) *FileIO {
	return &FileIO{root: root}
}

// Handle implements Handler.
func (f *FileIO) Handle(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var in ioInput
	if err := decode(data, &in); err != nil {
		return nil, ioError(err.Error(), err)
	}
	if in.Filename == "" {
		return nil, ioError("filename is required", nil)
	}

	root, err := os.OpenRoot(f.root)
	if err != nil {
		return nil, ioError("open io root", err)
	}
	defer func() { _ = root.Close() }()

	switch in.Operation {
	case "read":
		file, err := root.Open(in.Filename)
		if err != nil {
			return nil, ioError("read "+in.Filename, err)
		}
		defer func() { _ = file.Close() }()
		content, err := io.ReadAll(io.LimitReader(file, MaxReadBytes+1))
		if err != nil {
			return nil, ioError("read "+in.Filename, err)
		}
		if len(content) > MaxReadBytes {
			return nil, ioError(fmt.Sprintf("%s exceeds %d bytes", in.Filename, MaxReadBytes), nil)
		}
		return json.Marshal(map[string]string{"content": string(content)})

	case "write":
		if in.Content == nil {
			return nil, ioError("content is required", nil)
		}
		if dir := filepath.Dir(in.Filename); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return nil, ioError("create "+dir, err)
			}
		}
		if err := root.WriteFile(in.Filename, []byte(*in.Content), 0o644); err != nil {
			return nil, ioError("write "+in.Filename, err)
		}
		return json.Marshal(map[string]string{"status": "success"})
	}
	return nil, ioError(fmt.Sprintf("unsupported operation %q", in.Operation), nil)
}

func ioError(msg string, cause error) error {
	return errors.NewExecutionError("I/O error: "+msg, cause)
}
