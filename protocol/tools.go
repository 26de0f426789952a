package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/agentkernel/errors"
)

// Tool is one invokable capability.
type Tool interface {
	Name() string
	Description() string
	Category() string
	Schema() map[string]any
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ToolRegistryImpl is the in-process tool registry. It implements the tool
// protocol commands: list, info, invoke, search, test.
type ToolRegistryImpl struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistryImpl {
	return &ToolRegistryImpl{tools: map[string]Tool{}}
}

// Register adds or replaces a tool by name.
func (r *ToolRegistryImpl) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// HandleToolRequest implements ToolRegistry.
func (r *ToolRegistryImpl) HandleToolRequest(ctx context.Context, content map[string]any) (map[string]any, error) {
	command := stringContent(content, "command")
	switch command {
	case "list":
		return r.list(stringContent(content, "category")), nil
	case "info":
		return r.info(stringContent(content, "name"), boolContent(content, "show_schema"))
	case "invoke":
		return r.invoke(ctx, content)
	case "search":
		return r.search(stringContent(content, "query")), nil
	case "test":
		return r.test(ctx, stringContent(content, "name"))
	default:
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: tool command %q", errors.ErrUnknownMsgType, command),
			"ToolRegistry", "HandleToolRequest", command)
	}
}

func (r *ToolRegistryImpl) list(category string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name, tool := range r.tools {
		if category != "" && tool.Category() != category {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"tools": names}
}

func (r *ToolRegistryImpl) info(name string, showSchema bool) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound,
			fmt.Errorf("tool %q not registered", name),
			"ToolRegistry", "info", name)
	}

	out := map[string]any{
		"name":        tool.Name(),
		"description": tool.Description(),
		"category":    tool.Category(),
	}
	if showSchema {
		out["schema"] = tool.Schema()
	}
	return out, nil
}

func (r *ToolRegistryImpl) invoke(ctx context.Context, content map[string]any) (map[string]any, error) {
	name := stringContent(content, "name")
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound,
			fmt.Errorf("tool %q not registered", name),
			"ToolRegistry", "invoke", name)
	}

	params, _ := content["params"].(map[string]any)
	result, err := tool.Invoke(ctx, params)
	if err != nil {
		return nil, errors.WrapExecution(err, "ToolRegistry", "invoke", name)
	}
	return result, nil
}

func (r *ToolRegistryImpl) search(query string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query = strings.ToLower(query)
	var matches []string
	for name, tool := range r.tools {
		if strings.Contains(strings.ToLower(name), query) ||
			strings.Contains(strings.ToLower(tool.Description()), query) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	if matches == nil {
		matches = []string{}
	}
	return map[string]any{"matches": matches}
}

// test invokes the tool with empty params, reporting success instead of the
// tool's output.
func (r *ToolRegistryImpl) test(ctx context.Context, name string) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound,
			fmt.Errorf("tool %q not registered", name),
			"ToolRegistry", "test", name)
	}

	if _, err := tool.Invoke(ctx, map[string]any{}); err != nil {
		return map[string]any{
			"success": false,
			"message": err.Error(),
		}, nil
	}
	return map[string]any{"success": true}, nil
}

func boolContent(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
