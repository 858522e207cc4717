package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/sink/json"
	"github.com/covault/autodetect/pkg/sink/sheets"
	"github.com/covault/autodetect/pkg/source"
	"github.com/covault/autodetect/pkg/source/gmail"
	"github.com/covault/autodetect/pkg/source/jsonl"
	"github.com/covault/autodetect/pkg/source/kafka"
	"github.com/covault/autodetect/pkg/source/mbox"
)

type sourcePlugin struct {
	name, description string
	scopes            []string
	build             func(ctx context.Context, deps Deps) (api.Source, error)
}

func (p sourcePlugin) Name() string             { return p.name }
func (p sourcePlugin) Description() string      { return p.description }
func (p sourcePlugin) RequiredScopes() []string { return p.scopes }

func (p sourcePlugin) NewSource(ctx context.Context, deps Deps) (api.Source, error) {
	return p.build(ctx, deps)
}

type sinkPlugin struct {
	name, description string
	scopes            []string
	build             func(ctx context.Context, deps Deps) (api.Sink, error)
}

func (p sinkPlugin) Name() string             { return p.name }
func (p sinkPlugin) Description() string      { return p.description }
func (p sinkPlugin) RequiredScopes() []string { return p.scopes }

func (p sinkPlugin) NewSink(ctx context.Context, deps Deps) (api.Sink, error) {
	return p.build(ctx, deps)
}

// Default returns a registry holding every built-in source and sink.
func Default() *Registry {
	r := NewRegistry()
	for _, p := range builtinSources() {
		_ = r.RegisterSource(p)
	}
	for _, p := range builtinSinks() {
		_ = r.RegisterSink(p)
	}
	return r
}

func builtinSources() []SourcePlugin {
	return []SourcePlugin{
		sourcePlugin{
			name:        "gmail",
			description: "Polls Gmail for bank alert emails",
			scopes:      []string{gmail.Scope},
			build: func(ctx context.Context, deps Deps) (api.Source, error) {
				banks := make([]gmail.Bank, 0, len(deps.Config.Gmail.Banks))
				for _, b := range deps.Config.Gmail.Banks {
					banks = append(banks, gmail.Bank{AppID: b.AppID, Name: b.Name, Query: b.Query})
				}
				return gmail.New(ctx, deps.HTTPClient, gmail.Config{
					Banks:    banks,
					Interval: deps.Config.Gmail.Interval,
				}, deps.Logger)
			},
		},
		sourcePlugin{
			name:        "kafka",
			description: "Consumes detection events from a Kafka topic",
			build: func(_ context.Context, deps Deps) (api.Source, error) {
				return kafka.New(kafka.Config{
					Brokers: deps.Config.Kafka.Brokers,
					Topic:   deps.Config.Kafka.Topic,
					GroupID: deps.Config.Kafka.GroupID,
				}, deps.Logger)
			},
		},
		sourcePlugin{
			name:        "mbox",
			description: "Replays an mbox mailbox export once",
			build: func(_ context.Context, deps Deps) (api.Source, error) {
				path := deps.Config.Mbox.Path
				if path == "" {
					return nil, errors.New("mbox source requires MBOX_PATH")
				}
				cfg := mbox.Config{Bank: source.Bank{AppID: deps.Config.Mbox.BankID, Name: deps.Config.Mbox.BankName}}
				return fileSource{path: path, open: func(r io.Reader) api.Source {
					return mbox.New(r, cfg, deps.Logger)
				}}, nil
			},
		},
		sourcePlugin{
			name:        "stdin",
			description: "Reads JSON-lines detection events from standard input",
			build: func(_ context.Context, deps Deps) (api.Source, error) {
				in := deps.Stdin
				if in == nil {
					in = os.Stdin
				}
				return jsonl.New(in, deps.Logger), nil
			},
		},
		sourcePlugin{
			name:        "webhook",
			description: "Accepts detection events on POST /v1/events",
			build: func(_ context.Context, deps Deps) (api.Source, error) {
				if deps.Server == nil {
					return nil, errors.New("webhook source requires the HTTP server")
				}
				return deps.Server.Source(), nil
			},
		},
	}
}

func builtinSinks() []SinkPlugin {
	return []SinkPlugin{
		sinkPlugin{
			name:        "json",
			description: "Appends transactions to a JSON file",
			build: func(_ context.Context, deps Deps) (api.Sink, error) {
				return json.New(json.Config{
					FilePath:      deps.Config.JSON.OutputPath,
					BatchSize:     deps.Config.JSON.BatchSize,
					FlushInterval: deps.Config.JSON.FlushInterval,
				}, deps.Logger)
			},
		},
		sinkPlugin{
			name:        "sheets",
			description: "Appends transactions to a Google Sheets spreadsheet",
			scopes:      []string{sheets.Scope},
			build: func(ctx context.Context, deps Deps) (api.Sink, error) {
				return sheets.New(ctx, deps.HTTPClient, sheets.Config{
					SheetTitle:    deps.Config.Sheets.Title,
					SheetID:       deps.Config.Sheets.ID,
					SheetName:     deps.Config.Sheets.Name,
					BatchSize:     deps.Config.JSON.BatchSize,
					FlushInterval: deps.Config.JSON.FlushInterval,
				}, deps.Logger)
			},
		},
	}
}

// fileSource opens path when Read starts and closes it when Read returns.
type fileSource struct {
	path string
	open func(io.Reader) api.Source
}

func (f fileSource) Read(ctx context.Context, out chan<- api.DetectionEvent, ack <-chan string) error {
	file, err := os.Open(f.path)
	if err != nil {
		close(out)
		return fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer file.Close()
	return f.open(file).Read(ctx, out, ack)
}
