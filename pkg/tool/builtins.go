package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options configures builtin tool registration.
type Options struct {
	// WorkspaceRoot confines file tools; paths escaping it are rejected.
	WorkspaceRoot string
	// HTTPClient is used by fetch_url. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

// RegisterBuiltins registers the baseline corroboration tools.
func RegisterBuiltins(registry *Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = "."
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	tools := []Definition{
		readFileTool(opts),
		writeFileTool(opts),
		fetchURLTool(opts),
		currentTimeTool(),
	}

	for _, def := range tools {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// resolveWorkspacePath joins a relative path against the workspace root
// and rejects escapes.
func resolveWorkspacePath(root, rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", fmt.Errorf("invalid path %s: %w", rel, err)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid workspace root: %w", err)
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace", rel)
	}
	return abs, nil
}

func readFileTool(opts Options) Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Workspace-relative file path", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			path, err := resolveWorkspacePath(opts.WorkspaceRoot, args["path"].(string))
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return string(data), nil
		},
	}
}

func writeFileTool(opts Options) Definition {
	return Definition{
		Name:        "write_file",
		Description: "Write a file inside the workspace",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Workspace-relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			path, err := resolveWorkspacePath(opts.WorkspaceRoot, args["path"].(string))
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			content := args["content"].(string)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", path, err)
			}
			return map[string]interface{}{"path": args["path"], "bytes": len(content)}, nil
		},
	}
}

func fetchURLTool(opts Options) Definition {
	return Definition{
		Name:        "fetch_url",
		Description: "Fetch a URL over HTTP GET and return the body",
		Parameters: []Parameter{
			{Name: "url", Type: "string", Description: "Absolute http(s) URL", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			url := args["url"].(string)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return nil, fmt.Errorf("unsupported URL scheme: %s", url)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("invalid request: %w", err)
			}
			resp, err := opts.HTTPClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			return map[string]interface{}{"status": resp.StatusCode, "body": string(body)}, nil
		},
	}
}

func currentTimeTool() Definition {
	return Definition{
		Name:        "current_time",
		Description: "Report the current time in UTC",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	}
}
