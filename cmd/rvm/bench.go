package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/config"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"
)

type benchResult struct {
	Engine string
	Runs   int
	Cycles uint64
	Exit   uint8
	Total  time.Duration
}

func (b benchResult) perRun() time.Duration {
	if b.Runs == 0 {
		return 0
	}
	return b.Total / time.Duration(b.Runs)
}

// bench runs raw n times with each engine on fresh loads of one machine.
func bench(cfg *config.Config, raw []byte, art *aot.Artifact, n int) ([]benchResult, error) {
	m, err := newMachine(cfg, io.Discard)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	engines := []struct {
		name string
		art  *aot.Artifact
	}{
		{"interpreter", nil},
		{"aot", art},
	}
	out := make([]benchResult, 0, len(engines))
	for _, e := range engines {
		r := benchResult{Engine: e.name}
		for i := 0; i < n; i++ {
			res, err := execute(m, e.art, raw, nil)
			if err != nil {
				return nil, err
			}
			if res.Err != nil {
				return nil, fmt.Errorf("%s run %d: %w", e.name, i, res.Err)
			}
			r.Runs++
			r.Total += res.Elapsed
			r.Cycles, r.Exit = res.Cycles, res.Exit
		}
		out = append(out, r)
	}
	return out, nil
}

// renderBenchChart writes an HTML bar chart of the time per run.
func renderBenchChart(w io.Writer, title string, results []benchResult) error {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "rvm bench",
			Subtitle: title,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "µs/run"}),
	)
	names := make([]string, 0, len(results))
	data := make([]opts.BarData, 0, len(results))
	for _, r := range results {
		names = append(names, r.Engine)
		data = append(data, opts.BarData{Value: float64(r.perRun().Nanoseconds()) / 1e3})
	}
	bar.SetXAxis(names).AddSeries("time per run", data).SetSeriesOptions(
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(w)
}

func newBenchCmd(g *globalFlags) *cobra.Command {
	var (
		runs  int
		chart string
	)
	cmd := &cobra.Command{
		Use:   "bench <program>",
		Short: "Time the interpreter against the AOT runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.profile(cmd)
			if err != nil {
				return err
			}
			raw, img, err := readImage(cfg, args[0])
			if err != nil {
				return err
			}
			art, _, err := compileCached(cfg, img)
			if err != nil {
				return err
			}
			results, err := bench(cfg, raw, art, runs)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(w, "%-12s runs=%d cycles=%d exit=%d %v/run\n", r.Engine, r.Runs, r.Cycles, r.Exit, r.perRun())
			}
			if chart == "" {
				return nil
			}
			f, err := os.Create(chart)
			if err != nil {
				return err
			}
			defer f.Close()
			return renderBenchChart(f, args[0], results)
		},
	}
	cmd.Flags().IntVarP(&runs, "runs", "n", 10, "runs per engine")
	cmd.Flags().StringVar(&chart, "chart", "", "write an HTML bar chart to this file")
	return cmd
}
