package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// FakeClient is an in-memory MCPClient used by tests across packages. Zero
// value is usable; populate the capability slices and hook fields as needed.
type FakeClient struct {
	mu sync.Mutex

	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
	// Caps is what Capabilities returns; nil means "unknown", which makes
	// consumers probe every capability.
	Caps *mcp.ServerCapabilities

	// InitErr, when set, makes Initialize fail with this error.
	InitErr error
	// InitFunc, when set, runs during Initialize without the lock held, so
	// tests can block a connect in progress.
	InitFunc func(ctx context.Context) error
	// CallToolFunc, when set, handles CallTool invocations.
	CallToolFunc func(name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// ReadResourceFunc, when set, handles ReadResource invocations.
	ReadResourceFunc func(uri string) (*mcp.ReadResourceResult, error)
	// GetPromptFunc, when set, handles GetPrompt invocations.
	GetPromptFunc func(name string, args map[string]string) (*mcp.GetPromptResult, error)
	// PingErr, when set, makes Ping fail.
	PingErr error

	InitCalls  int
	CloseCalls int
	closed     bool
}

var _ MCPClient = (*FakeClient)(nil)

func (f *FakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.InitCalls++
	initErr := f.InitErr
	initFn := f.InitFunc
	f.mu.Unlock()

	if initFn != nil {
		if err := initFn(ctx); err != nil {
			return err
		}
	}
	if initErr != nil {
		return initErr
	}

	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	f.closed = true
	return nil
}

// Closed reports whether Close has been called since the last Initialize.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeClient) Capabilities() *mcp.ServerCapabilities {
	return f.Caps
}

func (f *FakeClient) RequestTimeout() time.Duration {
	return 5 * time.Second
}

func (f *FakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.Tools, nil
}

func (f *FakeClient) ListToolsPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.Tools}, nil
}

func (f *FakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if f.CallToolFunc != nil {
		return f.CallToolFunc(name, args)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (f *FakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return f.Resources, nil
}

func (f *FakeClient) ListResourcesPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{Resources: f.Resources}, nil
}

func (f *FakeClient) ListResourceTemplatesPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: f.ResourceTemplates}, nil
}

func (f *FakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if f.ReadResourceFunc != nil {
		return f.ReadResourceFunc(uri)
	}
	return &mcp.ReadResourceResult{}, nil
}

func (f *FakeClient) Subscribe(ctx context.Context, uri string) error {
	return nil
}

func (f *FakeClient) Unsubscribe(ctx context.Context, uri string) error {
	return nil
}

func (f *FakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return f.Prompts, nil
}

func (f *FakeClient) ListPromptsPage(ctx context.Context, cursor mcp.Cursor) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: f.Prompts}, nil
}

func (f *FakeClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if f.GetPromptFunc != nil {
		return f.GetPromptFunc(name, args)
	}
	return &mcp.GetPromptResult{}, nil
}

func (f *FakeClient) Complete(ctx context.Context, ref interface{}, argName, argValue string) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}

func (f *FakeClient) Ping(ctx context.Context) error {
	return f.PingErr
}
