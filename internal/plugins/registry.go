// Package plugins provides a plugin registry for event sources and
// transaction sinks.
package plugins

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/config"
	"github.com/covault/autodetect/pkg/server"
)

// Deps carries what plugins may need to build an instance.
type Deps struct {
	Config config.Config
	// HTTPClient is an authorized Google client. Nil unless a plugin
	// requires OAuth scopes.
	HTTPClient *http.Client
	// Server backs the webhook source.
	Server *server.Server
	// Stdin backs the stdin source.
	Stdin  io.Reader
	Logger *slog.Logger
}

// SourcePlugin defines the interface for event source plugins.
type SourcePlugin interface {
	// Name returns the plugin name (e.g., "gmail", "kafka").
	Name() string
	// Description returns a human-readable description.
	Description() string
	// RequiredScopes returns the OAuth scopes needed by this plugin.
	RequiredScopes() []string
	// NewSource creates a new source instance.
	NewSource(ctx context.Context, deps Deps) (api.Source, error)
}

// SinkPlugin defines the interface for transaction sink plugins.
type SinkPlugin interface {
	Name() string
	Description() string
	RequiredScopes() []string
	NewSink(ctx context.Context, deps Deps) (api.Sink, error)
}

// Registry manages available source and sink plugins.
type Registry struct {
	sources map[string]SourcePlugin
	sinks   map[string]SinkPlugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourcePlugin),
		sinks:   make(map[string]SinkPlugin),
	}
}

// RegisterSource registers a source plugin.
func (r *Registry) RegisterSource(plugin SourcePlugin) error {
	name := plugin.Name()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source plugin %q already registered", name)
	}
	r.sources[name] = plugin
	return nil
}

// RegisterSink registers a sink plugin.
func (r *Registry) RegisterSink(plugin SinkPlugin) error {
	name := plugin.Name()
	if _, exists := r.sinks[name]; exists {
		return fmt.Errorf("sink plugin %q already registered", name)
	}
	r.sinks[name] = plugin
	return nil
}

// GetSource returns a source plugin by name.
func (r *Registry) GetSource(name string) (SourcePlugin, error) {
	plugin, exists := r.sources[name]
	if !exists {
		return nil, fmt.Errorf("source plugin %q not found", name)
	}
	return plugin, nil
}

// GetSink returns a sink plugin by name.
func (r *Registry) GetSink(name string) (SinkPlugin, error) {
	plugin, exists := r.sinks[name]
	if !exists {
		return nil, fmt.Errorf("sink plugin %q not found", name)
	}
	return plugin, nil
}

// ListSources returns all registered source plugins sorted by name.
func (r *Registry) ListSources() []SourcePlugin {
	plugins := make([]SourcePlugin, 0, len(r.sources))
	for _, plugin := range r.sources {
		plugins = append(plugins, plugin)
	}
	slices.SortFunc(plugins, func(a, b SourcePlugin) int { return cmp.Compare(a.Name(), b.Name()) })
	return plugins
}

// ListSinks returns all registered sink plugins sorted by name.
func (r *Registry) ListSinks() []SinkPlugin {
	plugins := make([]SinkPlugin, 0, len(r.sinks))
	for _, plugin := range r.sinks {
		plugins = append(plugins, plugin)
	}
	slices.SortFunc(plugins, func(a, b SinkPlugin) int { return cmp.Compare(a.Name(), b.Name()) })
	return plugins
}

// Scopes returns the sorted, deduplicated OAuth scopes required by the named
// source and sink.
func (r *Registry) Scopes(sourceName, sinkName string) ([]string, error) {
	source, err := r.GetSource(sourceName)
	if err != nil {
		return nil, err
	}
	sink, err := r.GetSink(sinkName)
	if err != nil {
		return nil, err
	}

	scopes := append(slices.Clone(source.RequiredScopes()), sink.RequiredScopes()...)
	slices.Sort(scopes)
	return slices.Compact(scopes), nil
}

// CreateSource creates a source instance from a plugin.
func (r *Registry) CreateSource(ctx context.Context, name string, deps Deps) (api.Source, error) {
	plugin, err := r.GetSource(name)
	if err != nil {
		return nil, err
	}
	if len(plugin.RequiredScopes()) > 0 && deps.HTTPClient == nil {
		return nil, fmt.Errorf("source plugin %q requires an authorized Google client; run setup first", name)
	}
	return plugin.NewSource(ctx, deps)
}

// CreateSink creates a sink instance from a plugin.
func (r *Registry) CreateSink(ctx context.Context, name string, deps Deps) (api.Sink, error) {
	plugin, err := r.GetSink(name)
	if err != nil {
		return nil, err
	}
	if len(plugin.RequiredScopes()) > 0 && deps.HTTPClient == nil {
		return nil, fmt.Errorf("sink plugin %q requires an authorized Google client; run setup first", name)
	}
	return plugin.NewSink(ctx, deps)
}
