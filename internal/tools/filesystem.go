package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFileTool reads the contents of a file.
type ReadFileTool struct{}

// NewReadFileTool creates a new ReadFileTool.
func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Tier() int    { return TierReadOnly }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", "")
	if path == "" {
		return "Error: path is required", nil
	}

	path = expandPath(path)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}

	return string(content), nil
}

// WriteFileTool writes content to a file, restricted to the workspace.
type WriteFileTool struct {
	workspaceRoot func() string
}

// NewWriteFileTool creates a new WriteFileTool. The getter may be nil,
// which disables the workspace restriction.
func NewWriteFileTool(workspaceGetter func() string) *WriteFileTool {
	if workspaceGetter == nil {
		workspaceGetter = func() string { return "" }
	}
	return &WriteFileTool{workspaceRoot: func() string { return normalizeRoot(workspaceGetter()) }}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Tier() int    { return TierWrite }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the specified path. Creates parent directories if needed. Writes are restricted to the workspace."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", "")
	content := GetString(params, "content", "")

	if path == "" {
		return "Error: path is required", nil
	}

	path = expandPath(path)
	if root := t.workspaceRoot(); root != "" && !isWithin(root, path) {
		return "Error: path outside workspace.", nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Sprintf("Error creating directory: %v", err), nil
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error writing file: %v", err), nil
	}

	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces text in a file, restricted to the workspace.
type EditFileTool struct {
	workspaceRoot func() string
}

// NewEditFileTool creates a new EditFileTool.
func NewEditFileTool(workspaceGetter func() string) *EditFileTool {
	if workspaceGetter == nil {
		workspaceGetter = func() string { return "" }
	}
	return &EditFileTool{workspaceRoot: func() string { return normalizeRoot(workspaceGetter()) }}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Tier() int    { return TierWrite }

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing text. Useful for making targeted changes. Edits are restricted to the workspace."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "The text to find and replace",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "The replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", "")
	oldText := GetString(params, "old_text", "")
	newText := GetString(params, "new_text", "")

	if path == "" {
		return "Error: path is required", nil
	}
	if oldText == "" {
		return "Error: old_text is required", nil
	}

	path = expandPath(path)
	if root := t.workspaceRoot(); root != "" && !isWithin(root, path) {
		return "Error: path outside workspace.", nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, oldText) {
		return fmt.Sprintf("Error: text not found in file: %s", path), nil
	}

	newContent := strings.Replace(contentStr, oldText, newText, 1)

	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return fmt.Sprintf("Error writing file: %v", err), nil
	}

	return fmt.Sprintf("Successfully edited %s", path), nil
}

// ListDirTool lists directory contents.
type ListDirTool struct{}

// NewListDirTool creates a new ListDirTool.
func NewListDirTool() *ListDirTool { return &ListDirTool{} }

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Tier() int    { return TierReadOnly }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory path to list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", ".")
	path = expandPath(path)

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: directory not found: %s", path), nil
		}
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error reading directory: %v", err), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Contents of %s:\n", path))

	for _, entry := range entries {
		info, _ := entry.Info()
		if entry.IsDir() {
			result.WriteString(fmt.Sprintf("  [DIR]  %s/\n", entry.Name()))
		} else if info != nil {
			result.WriteString(fmt.Sprintf("  [FILE] %s (%d bytes)\n", entry.Name(), info.Size()))
		} else {
			result.WriteString(fmt.Sprintf("  [FILE] %s\n", entry.Name()))
		}
	}

	return result.String(), nil
}

// TodoTool records the model's working todo list for the current turn.
// The engine surfaces updates as notification events; the tool itself
// just echoes acceptance.
type TodoTool struct{}

// NewTodoTool creates a new TodoTool.
func NewTodoTool() *TodoTool { return &TodoTool{} }

func (t *TodoTool) Name() string { return "todo_write" }
func (t *TodoTool) Tier() int    { return TierReadOnly }

func (t *TodoTool) Description() string {
	return "Update the working todo list. Pass the full list; it replaces the previous one."
}

func (t *TodoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "The full todo list",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{"type": "string"},
						"status":  map[string]any{"type": "string", "description": "pending, in_progress, or completed"},
					},
					"required": []string{"content", "status"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *TodoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	todos, ok := params["todos"].([]any)
	if !ok {
		return "Error: todos is required", nil
	}
	return fmt.Sprintf("Recorded %d todo items", len(todos)), nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	return expandPath(root)
}

func isWithin(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}
