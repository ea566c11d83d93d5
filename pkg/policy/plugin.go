package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Plugin execution limits. Filters are small pure functions; anything that
// needs more than this is misconfigured.
const (
	pluginMemoryPages = 64 // 4 MiB
	pluginTimeout     = 500 * time.Millisecond
	pluginOutputMax   = 64 * 1024
)

// PluginVerdict is the JSON a filter plugin writes to stdout. Allow admits;
// otherwise RuleID/Severity/Detail describe the violation.
type PluginVerdict struct {
	Allow    bool     `json:"allow"`
	RuleID   string   `json:"rule_id,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// FilterPlugin is one WASI module run per intent: canonical intent JSON on
// stdin, verdict JSON on stdout. No filesystem, no network.
type FilterPlugin struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// LoadFilterPlugin compiles a wasm filter from disk.
func LoadFilterPlugin(ctx context.Context, name, path string) (*FilterPlugin, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin %s: %w", name, err)
	}

	rConfig := wazero.NewRuntimeConfig().WithMemoryLimitPages(pluginMemoryPages)
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI for plugin %s: %w", name, err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("compile plugin %s: %w", name, err)
	}
	return &FilterPlugin{name: name, runtime: r, compiled: compiled}, nil
}

// Run executes the filter over one canonical intent. A plugin failure is an
// error, not a verdict; the caller fails closed.
func (p *FilterPlugin) Run(ctx context.Context, canonicalIntent []byte) (*PluginVerdict, error) {
	execCtx, cancel := context.WithTimeout(ctx, pluginTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	config := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(canonicalIntent)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("")

	mod, err := p.runtime.InstantiateModule(execCtx, p.compiled, config)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("plugin %s exceeded %s", p.name, pluginTimeout)
		}
		return nil, fmt.Errorf("plugin %s failed: %w", p.name, err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if stdout.Len() > pluginOutputMax {
		return nil, fmt.Errorf("plugin %s output %d bytes exceeds limit", p.name, stdout.Len())
	}

	var verdict PluginVerdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return nil, fmt.Errorf("plugin %s wrote invalid verdict: %w", p.name, err)
	}
	if !verdict.Allow && !verdict.Severity.valid() {
		verdict.Severity = SeverityReject
	}
	return &verdict, nil
}

// Close releases the plugin's wasm runtime.
func (p *FilterPlugin) Close() error {
	return p.runtime.Close(context.Background())
}
