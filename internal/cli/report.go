package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/aclements/go-moremath/stats"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"
	"golang.org/x/perf/benchfmt"
)

var reportHTML string

var reportCmd = &cobra.Command{
	Use:   "report [file...]",
	Short: "Summarize benchmark-format measurement files",
	Long: `Report parses files written by "perfbound run --output bench" (or any
Go benchmark output) and prints per-benchmark summaries.

With several files covering the same benchmarks, the summary shows the
spread across runs. With --html, it also renders one chart per
measured series showing how values grow with problem size.`,
	Example: `  # Summarize a single run
  perfbound report sort.bench

  # Compare three runs of the same workload
  perfbound report run1.bench run2.bench run3.bench

  # Render charts of value versus size
  perfbound report sort.bench --html sort.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportHTML, "html", "", "write charts of value versus size to an HTML file")
}

// measurement is one value parsed from a benchmark result line.
type measurement struct {
	Name  string // full name without the Benchmark prefix, e.g. "Sort/size=64"
	Base  string // name without the size part, e.g. "Sort"
	Size  int
	Unit  string
	Value float64
}

func runReport(cmd *cobra.Command, args []string) error {
	var rows []measurement
	for _, path := range args {
		parsed, err := readMeasurements(path)
		if err != nil {
			return err
		}
		rows = append(rows, parsed...)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no benchmark results found in %s", strings.Join(args, ", "))
	}

	printSummary(os.Stdout, rows)

	if reportHTML != "" {
		if err := writeCharts(reportHTML, rows); err != nil {
			return err
		}
		fmt.Printf("\nwrote charts to %s\n", reportHTML)
	}
	return nil
}

func readMeasurements(path string) ([]measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return parseMeasurements(f, path)
}

// parseMeasurements reads benchmark results from r. The reader reuses
// its record buffers between lines, so every field is copied out.
func parseMeasurements(r io.Reader, name string) ([]measurement, error) {
	reader := benchfmt.NewReader(r, name)

	var rows []measurement
	for reader.Scan() {
		res, ok := reader.Result().(*benchfmt.Result)
		if !ok {
			continue
		}

		base, size := splitSizedName(string(res.Name))
		for _, v := range res.Values {
			rows = append(rows, measurement{
				Name:  string(res.Name),
				Base:  base,
				Size:  size,
				Unit:  v.Unit,
				Value: v.Value,
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	return rows, nil
}

// splitSizedName splits a name like "Sort/size=64" into the base name
// and the size. Names without a size part report size 0.
func splitSizedName(name string) (string, int) {
	base := strings.TrimPrefix(name, "Benchmark")
	size := 0
	if i := strings.LastIndex(base, "/size="); i >= 0 {
		if n, err := strconv.Atoi(base[i+len("/size="):]); err == nil {
			size = n
			base = base[:i]
		}
	}
	return base, size
}

type summaryKey struct {
	Base string
	Size int
	Name string
	Unit string
}

func printSummary(w io.Writer, rows []measurement) {
	groups := make(map[summaryKey]*stats.Sample)
	var order []summaryKey
	for _, m := range rows {
		key := summaryKey{Base: m.Base, Size: m.Size, Name: m.Name, Unit: m.Unit}
		samp, ok := groups[key]
		if !ok {
			samp = &stats.Sample{}
			groups[key] = samp
			order = append(order, key)
		}
		samp.Xs = append(samp.Xs, m.Value)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Base != b.Base {
			return a.Base < b.Base
		}
		if a.Size != b.Size {
			return a.Size < b.Size
		}
		return a.Unit < b.Unit
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tUNIT\tN\tMIN\tP25\tMEDIAN\tP75\tMAX")
	for _, key := range order {
		samp := groups[key]
		samp.Sort()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\n",
			key.Name, key.Unit, len(samp.Xs),
			samp.Quantile(0), samp.Quantile(0.25), samp.Quantile(0.5),
			samp.Quantile(0.75), samp.Quantile(1))
	}
	tw.Flush()
}

type seriesKey struct {
	Base string
	Unit string
}

// writeCharts renders one line chart per (benchmark, unit) series into
// a single HTML page. Repeated points across files collapse to their
// median.
func writeCharts(path string, rows []measurement) error {
	series := make(map[seriesKey]map[int]*stats.Sample)
	var order []seriesKey
	for _, m := range rows {
		key := seriesKey{Base: m.Base, Unit: m.Unit}
		points, ok := series[key]
		if !ok {
			points = make(map[int]*stats.Sample)
			series[key] = points
			order = append(order, key)
		}
		samp, ok := points[m.Size]
		if !ok {
			samp = &stats.Sample{}
			points[m.Size] = samp
		}
		samp.Xs = append(samp.Xs, m.Value)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Base != b.Base {
			return a.Base < b.Base
		}
		return a.Unit < b.Unit
	})

	page := components.NewPage()
	for _, key := range order {
		points := series[key]

		sizes := make([]int, 0, len(points))
		for size := range points {
			sizes = append(sizes, size)
		}
		sort.Ints(sizes)

		labels := make([]string, len(sizes))
		data := make([]opts.LineData, len(sizes))
		for i, size := range sizes {
			samp := points[size]
			samp.Sort()
			labels[i] = strconv.Itoa(size)
			data[i] = opts.LineData{Value: samp.Quantile(0.5)}
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{
				Title:    key.Base,
				Subtitle: key.Unit,
			}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "size"}),
		)
		line.SetXAxis(labels).AddSeries(key.Unit, data)
		page.AddCharts(line)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	return page.Render(f)
}
