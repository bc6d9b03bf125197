package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gihongjo/probeviz/internal/agent/congestion"
	"github.com/gihongjo/probeviz/internal/agent/inputs"
	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/ui"
)

func congestionCmd() *cobra.Command {
	var (
		topoPath    string
		dir         string
		suffix      string
		out         string
		begin       string
		stop        string
		binSize     int64
		method      string
		concurrency int
		pub         publishFlags
	)

	cmd := &cobra.Command{
		Use:   "congestion",
		Short: "Attach congestion bins from change point files to a topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			beginTs, err := congestion.ParseTime(begin)
			if err != nil {
				return fmt.Errorf("--begin: %w", err)
			}
			endTs, err := congestion.ParseTime(stop)
			if err != nil {
				return fmt.Errorf("--stop: %w", err)
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			data, err := os.ReadFile(topoPath)
			if err != nil {
				return fmt.Errorf("failed to read topology: %w", err)
			}
			topo, err := model.DecodeDocument(data)
			if err != nil {
				return fmt.Errorf("%s: %w", topoPath, err)
			}

			files, err := inputs.List(dir, suffix)
			if err != nil {
				return err
			}

			b, err := congestion.NewBuilder(congestion.Options{
				Begin:       beginTs,
				End:         endTs,
				BinSize:     binSize,
				Method:      method,
				Concurrency: concurrency,
			}, logger)
			if err != nil {
				return err
			}

			ui.Banner("probeviz-builder", "congestion")
			ui.Field("Topology", topoPath)
			ui.Field("Inputs", len(files))
			ui.Field("Range", fmt.Sprintf("%s %s %s",
				time.Unix(beginTs, 0).UTC().Format(congestion.TimeLayout),
				ui.Subtle.Sprint("to"),
				time.Unix(endTs, 0).UTC().Format(congestion.TimeLayout)))

			doc, stats, err := b.Build(cmd.Context(), topo, files)
			if err != nil {
				return err
			}
			if stats.Skipped > 0 {
				ui.Field("Skipped", ui.Warn.Sprint(stats.Skipped))
			}
			withSeries := 0
			for i := range doc.Links {
				if len(doc.Links[i].Congestion) > 0 {
					withSeries++
				}
			}
			ui.Field("Links", fmt.Sprintf("%d %s", withSeries, ui.Subtle.Sprintf("of %d with congestion data", len(doc.Links))))
			summarise(doc)
			return writeDocument(cmd.Context(), logger, doc, out, pub)
		},
	}

	cmd.Flags().StringVarP(&topoPath, "topology", "t", "topology.json", "Topology graph file to extend")
	cmd.Flags().StringVarP(&dir, "directory", "d", ".", "Directory holding the change point files")
	cmd.Flags().StringVar(&suffix, "suffix", ".json", "File name suffix of the change point files")
	cmd.Flags().StringVarP(&out, "out", "o", "congestion.json", "Output graph file")
	cmd.Flags().StringVar(&begin, "begin", "", "Start of the range, unix seconds or \""+congestion.TimeLayout+"\"")
	cmd.Flags().StringVar(&stop, "stop", "", "End of the range, same formats as --begin")
	cmd.Flags().Int64Var(&binSize, "bin", congestion.DefaultBinSize, "Bin size in seconds")
	cmd.Flags().StringVar(&method, "method", congestion.DefaultMethod, "Change detection method to read")
	cmd.Flags().IntVar(&concurrency, "concurrency", inputs.DefaultConcurrency, "Files decoded in parallel")
	cmd.MarkFlagRequired("begin")
	cmd.MarkFlagRequired("stop")
	pub.register(cmd)
	return cmd
}
