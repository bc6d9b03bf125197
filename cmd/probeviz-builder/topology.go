package main

import (
	"github.com/spf13/cobra"

	"github.com/gihongjo/probeviz/internal/agent/inputs"
	"github.com/gihongjo/probeviz/internal/agent/topology"
	"github.com/gihongjo/probeviz/internal/ui"
)

func topologyCmd() *cobra.Command {
	var (
		dir         string
		suffix      string
		out         string
		dests       []int64
		maxPaths    int
		concurrency int
		pub         publishFlags
	)

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Compose AS path files into a probe graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			files, err := inputs.List(dir, suffix)
			if err != nil {
				return err
			}
			ui.Banner("probeviz-builder", "topology")
			ui.Field("Inputs", len(files))

			b := topology.NewBuilder(topology.Options{
				Destinations: dests,
				MaxPaths:     maxPaths,
				Concurrency:  concurrency,
			}, logger)
			doc, stats, err := b.Build(cmd.Context(), files)
			if err != nil {
				return err
			}
			if stats.Skipped > 0 {
				ui.Field("Skipped", ui.Warn.Sprint(stats.Skipped))
			}
			ui.Field("Nodes", len(doc.Nodes))
			ui.Field("Links", len(doc.Links))
			summarise(doc)
			return writeDocument(cmd.Context(), logger, doc, out, pub)
		},
	}

	cmd.Flags().StringVarP(&dir, "directory", "d", ".", "Directory holding the AS path files")
	cmd.Flags().StringVar(&suffix, "suffix", topology.DefaultSuffix, "File name suffix of the AS path files")
	cmd.Flags().StringVarP(&out, "out", "o", "topology.json", "Output graph file")
	cmd.Flags().Int64SliceVar(&dests, "dest", []int64{topology.DefaultDestination}, "Destination AS numbers a path must reach")
	cmd.Flags().IntVar(&maxPaths, "max-paths", topology.DefaultMaxPaths, "Paths considered per probe")
	cmd.Flags().IntVar(&concurrency, "concurrency", inputs.DefaultConcurrency, "Files decoded in parallel")
	pub.register(cmd)
	return cmd
}
