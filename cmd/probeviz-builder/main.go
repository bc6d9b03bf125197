// Command probeviz-builder turns traceroute and change detection results
// into graph files the probeviz viewer can load.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/agent/exporter"
	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/ui"
)

var version = "0.3.0"

// publishFlags are shared by every command that produces a graph file.
type publishFlags struct {
	addr     string
	display  bool
	datetime string
}

func (p *publishFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.addr, "publish", "", "Also send the graph to a probeviz-server gRPC endpoint (host:port)")
	cmd.Flags().BoolVar(&p.display, "display", false, "Show the published graph in the viewer right away")
	cmd.Flags().StringVar(&p.datetime, "datetime", "", "Initial viewer time for --display, YYYY-MM-DD HH:MM (UTC)")
}

var verbose bool

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probeviz-builder",
		Short: "Build probe graph files",
		Long: ui.Brand.Sprint("probeviz-builder") + " composes measurement results into graph files\n" +
			ui.Subtle.Sprint("AS path files become a topology, change points become congestion bins"),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("probeviz-builder {{ .Version }}\n")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every input file")
	cmd.AddCommand(topologyCmd(), congestionCmd())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		ui.Bad.Fprintf(os.Stderr, "probeviz-builder: %v\n", err)
		os.Exit(1)
	}
}

// newLogger logs warnings and errors only, unless --verbose is set.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

// writeDocument encodes doc to path and, when asked, publishes it.
func writeDocument(ctx context.Context, logger *zap.Logger, doc *model.Document, path string, pub publishFlags) error {
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write graph: %w", err)
	}
	ui.Field("Written", path)

	if pub.addr == "" {
		return nil
	}
	exp, err := exporter.NewExporter(logger, pub.addr)
	if err != nil {
		return err
	}
	defer exp.Close()

	resp, err := exp.Publish(ctx, filepath.Base(path), doc, pub.datetime, pub.display)
	if err != nil {
		return err
	}
	ui.Field("Published", fmt.Sprintf("%s %s %s", resp.Name, ui.Subtle.Sprint("to"), pub.addr))
	ui.Field("Displayed", ui.StatusIcon(resp.Displayed))
	return nil
}

// summarise prints the role breakdown of the built graph.
func summarise(doc *model.Document) {
	counts := make(map[int]int)
	for i := range doc.Nodes {
		counts[doc.Nodes[i].Termination]++
	}
	fmt.Println()
	ui.Table([]string{"ROLE", "NODES"}, [][]string{
		{"source", fmt.Sprint(counts[model.TagSource])},
		{"ixp", fmt.Sprint(counts[model.TagIXP])},
		{"destination", fmt.Sprint(counts[model.TagDestination])},
		{"other", fmt.Sprint(counts[model.TagOther])},
	})
	fmt.Println()
}
