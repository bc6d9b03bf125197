// Command probeviz-inspect prints the view a graph file resolves to at a
// given moment, without starting the viewer.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/server/session"
	"github.com/gihongjo/probeviz/internal/ui"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		ui.Bad.Fprintf(os.Stderr, "probeviz-inspect: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		datetime  string
		steps     int
		inference bool
		clicks    []string
		limit     int
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:           "probeviz-inspect <graph.json>",
		Short:         "Print the resolved colors of a graph file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = l
			}
			defer logger.Sync()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			events := []session.Event{session.Load(filepath.Base(args[0]), data, datetime)}
			for i := 0; i < steps; i++ {
				events = append(events, session.Step(true))
			}
			for i := 0; i > steps; i-- {
				events = append(events, session.Step(false))
			}
			if inference {
				events = append(events, session.ToggleInference())
			}
			for _, id := range clicks {
				events = append(events, session.ClickNode(model.ID(id)))
			}

			c := session.NewController(logger)
			for _, ev := range events {
				if _, err := c.Handle(ev); err != nil {
					return fmt.Errorf("%s: %w", ev.Kind, err)
				}
			}
			frame, err := c.Frame()
			if err != nil {
				return err
			}
			printFrame(c, frame, limit)
			return nil
		},
	}

	cmd.Flags().StringVar(&datetime, "datetime", "", "Moment to show, YYYY-MM-DD HH:MM (UTC)")
	cmd.Flags().IntVar(&steps, "step", 0, "Bins to move from the moment, negative moves back")
	cmd.Flags().BoolVar(&inference, "inference", false, "Show inference results")
	cmd.Flags().StringSliceVar(&clicks, "click", nil, "Node ids to click, in order")
	cmd.Flags().IntVar(&limit, "limit", 50, "Rows printed per table, 0 for all")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log controller activity")
	return cmd
}

func printFrame(c *session.Controller, f *model.Frame, limit int) {
	ui.Banner("probeviz-inspect", f.Name)
	if f.Congestion {
		ui.Field("Moment", f.Datetime)
		ui.Field("In range", ui.StatusIcon(c.MomentInRange()))
		ui.Field("Bin size", fmt.Sprintf("%ds", f.Graph.BinSize))
		ui.Field("Method", f.Graph.Method)
	} else {
		ui.Field("Graph", "topology")
	}
	ui.Field("Inference", ui.StatusIcon(f.ShowInference))
	if sel := c.Graph().HighlightedNodes(); len(sel) > 0 {
		ids := make([]string, len(sel))
		for i, id := range sel {
			ids[i] = string(id)
		}
		ui.Field("Selected", strings.Join(ids, ", "))
	}
	fmt.Println()

	var rows [][]string
	for _, n := range f.Nodes {
		if limit > 0 && len(rows) == limit {
			break
		}
		rows = append(rows, []string{
			string(n.ID), string(n.Name), ui.Swatch(n.Fill), ui.Swatch(n.Stroke),
			fmt.Sprintf("%g", n.Radius), n.Inference.String(),
		})
	}
	ui.Table([]string{"ID", "NAME", "FILL", "STROKE", "R", "INFERENCE"}, rows)
	fmt.Println()

	rows = rows[:0]
	for _, l := range f.Links {
		if limit > 0 && len(rows) == limit {
			break
		}
		rows = append(rows, []string{
			fmt.Sprint(l.Index), string(l.Source) + "-" + string(l.Target), ui.Swatch(l.Stroke),
			fmt.Sprintf("%.2f", l.StrokeWidth), fmt.Sprintf("%.1f", l.Opacity),
			l.CongestionLevel.String(), l.Inference.String(),
		})
	}
	ui.Table([]string{"LINK", "ENDS", "STROKE", "WIDTH", "OPACITY", "LEVEL", "INFERENCE"}, rows)

	if limit > 0 && (len(f.Nodes) > limit || len(f.Links) > limit) {
		fmt.Println()
		ui.Subtle.Printf("  %d nodes and %d links, use --limit 0 to print all\n", len(f.Nodes), len(f.Links))
	}
}
