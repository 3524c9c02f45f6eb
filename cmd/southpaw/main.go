// Command southpaw runs the incremental denormalization/join engine
// (spec.md §6 "CLI surface"): it wires a relation tree per --relations file
// to a NATS-backed input/output stream set and a Badger-backed state
// store, then drives the engine's probe/absorb/emit loop until signalled
// to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/southpaw-go/southpaw/internal/config"
	"github.com/southpaw-go/southpaw/internal/engine"
	"github.com/southpaw-go/southpaw/internal/index"
	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/metrics"
	"github.com/southpaw-go/southpaw/internal/relation"
	"github.com/southpaw-go/southpaw/internal/store"
	"github.com/southpaw-go/southpaw/internal/stream"
)

const defaultNATSURL = "nats://127.0.0.1:4222"

var (
	configURI       string
	overlayURI      string
	relationsURIs   []string
	natsURL         string
	storeDir        string
	metricsExporter string

	doBuild        bool
	doRestore      bool
	doDeleteState  bool
	doDeleteBackup bool
	doVerifyState  bool
)

var rootCmd = &cobra.Command{
	Use:   "southpaw",
	Short: "southpaw - incremental denormalization/join engine",
	Long:  "Materializes tree-shaped denormalized records from independent input streams via LEFT OUTER JOIN semantics.",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configURI, "config", "", "path to the YAML configuration document (required)")
	rootCmd.Flags().StringVar(&overlayURI, "config-overlay", "", "optional TOML overlay merged on top of --config")
	rootCmd.Flags().StringArrayVar(&relationsURIs, "relations", nil, "path to a relations JSON file (repeatable, required)")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", defaultNATSURL, "NATS server URL for the stream backend")
	rootCmd.Flags().StringVar(&storeDir, "store-dir", "./southpaw-state", "directory for the Badger state store")
	rootCmd.Flags().StringVar(&metricsExporter, "metrics-exporter", "none", "metrics exporter: none or stdout")

	rootCmd.Flags().BoolVar(&doBuild, "build", false, "run the engine's probe/absorb/emit loop")
	rootCmd.Flags().BoolVar(&doRestore, "restore", false, "restore state from the most recent backup before other actions")
	rootCmd.Flags().BoolVar(&doDeleteState, "delete-state", false, "delete all state store contents")
	rootCmd.Flags().BoolVar(&doDeleteBackup, "delete-backup", false, "delete all retained backup snapshots")
	rootCmd.Flags().BoolVar(&doVerifyState, "verify-state", false, "verify every index's forward/reverse invariant and report violations")

	_ = rootCmd.MarkFlagRequired("config")
	_ = rootCmd.MarkFlagRequired("relations")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runID := uuid.New().String()
	log.Printf("southpaw: starting run %s", runID)

	cfg, err := config.Load(configURI)
	if err != nil {
		return err
	}
	if overlayURI != "" {
		if err := cfg.ApplyOverlay(overlayURI); err != nil {
			return err
		}
	}

	trees := make([]*relation.Tree, 0, len(relationsURIs))
	for _, uri := range relationsURIs {
		f, err := os.Open(uri)
		if err != nil {
			return fmt.Errorf("southpaw: open relations file %s: %w", uri, err)
		}
		tree, err := relation.Load(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("southpaw: %s: %w", uri, err)
		}
		trees = append(trees, tree)
	}

	st, err := store.New(ctx, "badger", storeDir)
	if err != nil {
		return err
	}
	if err := st.Open(ctx); err != nil {
		return fmt.Errorf("southpaw: open state store: %w", err)
	}
	defer st.Close()

	// Side-effect order (spec.md §6): restore -> delete-backup/delete-state -> build.
	if doRestore {
		if err := st.Restore(ctx); err != nil {
			return fmt.Errorf("southpaw: restore: %w", err)
		}
	}
	if doDeleteBackup {
		if err := st.DeleteBackups(ctx); err != nil {
			return fmt.Errorf("southpaw: delete backups: %w", err)
		}
	}
	if doDeleteState {
		if err := st.DeleteAll(ctx); err != nil {
			return fmt.Errorf("southpaw: delete state: %w", err)
		}
	}

	if doVerifyState {
		if err := verifyState(ctx, st, trees); err != nil {
			return err
		}
	}

	if !doBuild {
		return nil
	}
	return build(ctx, cfg, st, trees)
}

// build wires every relation tree's entities to a NATS source, each root to
// a NATS sink, and drives the engine until ctx is cancelled (spec.md §5).
func build(ctx context.Context, cfg *config.Config, st store.Store, trees []*relation.Tree) error {
	sources := map[string]stream.Source{}
	var roots []engine.Root

	openSource := func(entity string) (stream.Source, error) {
		if src, ok := sources[entity]; ok {
			return src, nil
		}
		src, err := stream.NewSource(ctx, "nats", entity, natsURL)
		if err != nil {
			return nil, fmt.Errorf("southpaw: open source %s: %w", entity, err)
		}
		sources[entity] = src
		return src, nil
	}

	if _, err := openSource(stream.TxnStreamAlias); err != nil {
		return err
	}
	for _, tree := range trees {
		if err := openTreeSources(tree, openSource); err != nil {
			return err
		}
		sink, err := stream.NewSink(ctx, "nats", tree.Root.DenormalizedName, natsURL)
		if err != nil {
			return fmt.Errorf("southpaw: open sink %s: %w", tree.Root.DenormalizedName, err)
		}
		roots = append(roots, engine.Root{Tree: tree, Sink: sink})
	}

	shutdownMeterProvider, err := setupMeterProvider(ctx)
	if err != nil {
		return err
	}
	defer shutdownMeterProvider(context.Background())

	m, err := metrics.New(otel.Meter("github.com/southpaw-go/southpaw"))
	if err != nil {
		return err
	}

	resolve := func(dataCollection string) (string, bool) {
		entity := dataCollection
		if cfg.TopicsPrefixed {
			for alias := range sources {
				if tc := cfg.TopicConfigFor(alias); tc.Prefix != "" && tc.Prefix+alias == dataCollection {
					entity = alias
					break
				}
			}
		}
		_, ok := sources[entity]
		return entity, ok
	}

	eng, err := engine.New(ctx, cfg, st, sources, roots, resolve, m)
	if err != nil {
		return err
	}

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// setupMeterProvider wires --metrics-exporter to a real OTel SDK reader,
// returning a shutdown func to flush and release it. "none" leaves the
// global provider at its default no-op, same as unconfigured OTel anywhere
// else in the codebase.
func setupMeterProvider(ctx context.Context) (func(context.Context) error, error) {
	switch metricsExporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("southpaw: stdout metrics exporter: %w", err)
		}
		provider := metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(exp)))
		otel.SetMeterProvider(provider)
		return provider.Shutdown, nil
	default:
		return nil, fmt.Errorf("southpaw: unknown --metrics-exporter %q", metricsExporter)
	}
}

func openTreeSources(tree *relation.Tree, open func(string) (stream.Source, error)) error {
	var walk func(r *relation.Relation) error
	walk = func(r *relation.Relation) error {
		if _, err := open(r.Entity); err != nil {
			return err
		}
		for _, c := range r.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(tree.Root)
}

// verifyState checks every join and parent index implied by the given
// relation trees against the forward/reverse invariant of spec.md §8
// property 1, logging every violation found and returning an error if there
// was at least one.
func verifyState(ctx context.Context, st store.Store, trees []*relation.Tree) error {
	scanner, ok := st.(store.Scanner)
	if !ok {
		return fmt.Errorf("southpaw: state store does not support key scanning")
	}

	checked := map[string]bool{}
	total := 0

	checkIndex := func(name string) error {
		if checked[name] {
			return nil
		}
		checked[name] = true

		ix, err := index.New(ctx, st, name)
		if err != nil {
			return err
		}
		fwdRaw, err := scanner.ScanKeys(ctx, []byte(name+"#fwd"))
		if err != nil {
			return err
		}
		revRaw, err := scanner.ScanKeys(ctx, []byte(name+"#rev"))
		if err != nil {
			return err
		}
		violations, err := ix.Verify(ctx, toKeys(fwdRaw), toKeys(revRaw))
		if err != nil {
			return err
		}
		for _, v := range violations {
			log.Printf("southpaw: verify-state: index %s violation: key=%s pk=%s forward=%v", name, v.IndexKey, v.PK, v.Forward)
		}
		total += len(violations)
		return nil
	}

	for _, tree := range trees {
		for _, edge := range relation.Edges(tree.Root) {
			if err := checkIndex(edge.Child.JoinIndexName()); err != nil {
				return err
			}
			if err := checkIndex(relation.ParentIndexName(tree.Root, edge.Parent, edge.Child)); err != nil {
				return err
			}
		}
	}

	log.Printf("southpaw: verify-state: %d violation(s) across %d index(es)", total, len(checked))
	if total > 0 {
		return fmt.Errorf("southpaw: verify-state: %d violation(s) found", total)
	}
	return nil
}

func toKeys(raw [][]byte) []keys.Key {
	out := make([]keys.Key, len(raw))
	for i, r := range raw {
		out[i] = keys.New(r)
	}
	return out
}
