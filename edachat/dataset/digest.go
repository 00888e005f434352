package dataset

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/iter"
	"gonum.org/v1/gonum/stat"
)

// ColumnType is the inferred type of a column.
type ColumnType string

const (
	ColumnNumeric     ColumnType = "numeric"
	ColumnCategorical ColumnType = "categorical"
)

// renderedDistributions bounds how many grouping columns get value counts in Render.
const renderedDistributions = 3

var missingTokens = map[string]struct{}{
	"":     {},
	"na":   {},
	"n/a":  {},
	"nan":  {},
	"null": {},
	"none": {},
}

// Options controls how much of the table a digest retains.
type Options struct {
	SampleRows          int
	TopCategories       int
	GroupingCardinality int
}

// NumericSummary mirrors a describe() row for one numeric column.
type NumericSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Q25    float64 `json:"q25"`
	Median float64 `json:"median"`
	Q75    float64 `json:"q75"`
	Max    float64 `json:"max"`
}

type CategoryCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ColumnProfile is the per-column part of a Digest.
type ColumnProfile struct {
	Name          string          `json:"name"`
	Type          ColumnType      `json:"type"`
	Missing       int             `json:"missing"`
	Unique        int             `json:"unique"`
	Numeric       *NumericSummary `json:"numeric,omitempty"`
	TopCategories []CategoryCount `json:"top_categories,omitempty"`
	Grouping      bool            `json:"grouping"`
}

// Digest is a bounded, deterministic summary of a Table. It is immutable after
// Compute returns and safe to share between conversations.
type Digest struct {
	RowCount    int             `json:"row_count"`
	ColumnCount int             `json:"column_count"`
	Columns     []ColumnProfile `json:"columns"`
	SampleRows  [][]string      `json:"sample_rows"`
	Fingerprint string          `json:"fingerprint"`
}

// Compute profiles every column of table. Columns are profiled concurrently; the
// result keeps header order.
func Compute(table *Table, opts Options) *Digest {
	indexes := make([]int, len(table.Columns))
	for i := range indexes {
		indexes[i] = i
	}

	profiles := iter.Map(indexes, func(i *int) ColumnProfile {
		return profileColumn(table.Columns[*i], table.Column(*i), opts)
	})

	sample := min(max(opts.SampleRows, 0), len(table.Rows))
	rows := make([][]string, sample)
	for i := range sample {
		rows[i] = slices.Clone(table.Rows[i])
	}

	return &Digest{
		RowCount:    len(table.Rows),
		ColumnCount: len(table.Columns),
		Columns:     profiles,
		SampleRows:  rows,
		Fingerprint: Fingerprint(table),
	}
}

func profileColumn(name string, values []string, opts Options) ColumnProfile {
	profile := ColumnProfile{Name: name}

	present := make([]string, 0, len(values))
	for _, v := range values {
		if isMissing(v) {
			profile.Missing++
			continue
		}
		present = append(present, v)
	}

	counts := make(map[string]int, len(present))
	for _, v := range present {
		counts[v]++
	}
	profile.Unique = len(counts)

	if numbers, ok := parseNumbers(present); ok {
		profile.Type = ColumnNumeric
		profile.Numeric = summarize(numbers)
	} else {
		profile.Type = ColumnCategorical
	}

	profile.Grouping = profile.Unique > 0 &&
		(profile.Type == ColumnCategorical || profile.Unique < opts.GroupingCardinality)

	if profile.Grouping || profile.Type == ColumnCategorical {
		profile.TopCategories = topCategories(counts, opts.TopCategories)
	}

	return profile
}

func isMissing(v string) bool {
	_, ok := missingTokens[strings.ToLower(v)]
	return ok
}

func parseNumbers(values []string) ([]float64, bool) {
	if len(values) == 0 {
		return nil, false
	}
	numbers := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, false
		}
		numbers[i] = f
	}
	return numbers, true
}

func summarize(numbers []float64) *NumericSummary {
	sorted := slices.Clone(numbers)
	slices.Sort(sorted)

	summary := &NumericSummary{
		Count:  len(sorted),
		Mean:   mean(sorted),
		Min:    sorted[0],
		Q25:    finite(stat.Quantile(0.25, stat.LinInterp, sorted, nil)),
		Median: finite(stat.Quantile(0.5, stat.LinInterp, sorted, nil)),
		Q75:    finite(stat.Quantile(0.75, stat.LinInterp, sorted, nil)),
		Max:    sorted[len(sorted)-1],
	}
	if len(sorted) > 1 {
		summary.Std = stdDev(sorted)
	}
	return summary
}

// mean falls back to summing pre-divided values when the plain sum overflows.
func mean(sorted []float64) float64 {
	if m := stat.Mean(sorted, nil); isFinite(m) {
		return m
	}
	n := float64(len(sorted))
	m := 0.0
	for _, v := range sorted {
		m += v / n
	}
	return finite(m)
}

// stdDev rescales by the largest magnitude when the squares overflow.
func stdDev(sorted []float64) float64 {
	if sd := stat.StdDev(sorted, nil); isFinite(sd) {
		return sd
	}
	scale := max(math.Abs(sorted[0]), math.Abs(sorted[len(sorted)-1]))
	scaled := make([]float64, len(sorted))
	for i, v := range sorted {
		scaled[i] = v / scale
	}
	return finite(stat.StdDev(scaled, nil) * scale)
}

func isFinite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}

// finite clamps a statistic into the float64 range so the digest stays JSON encodable.
func finite(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	default:
		return v
	}
}

func topCategories(counts map[string]int, limit int) []CategoryCount {
	if limit <= 0 || len(counts) == 0 {
		return nil
	}
	categories := make([]CategoryCount, 0, len(counts))
	for value, count := range counts {
		categories = append(categories, CategoryCount{Value: value, Count: count})
	}
	slices.SortFunc(categories, func(a, b CategoryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	if len(categories) > limit {
		categories = categories[:limit]
	}
	return categories
}

// ColumnNames returns the column names in header order.
func (d *Digest) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether name is an exact column name.
func (d *Digest) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// GroupingColumns returns the names of low-cardinality columns.
func (d *Digest) GroupingColumns() []string {
	var names []string
	for _, c := range d.Columns {
		if c.Grouping {
			names = append(names, c.Name)
		}
	}
	return names
}

// JSON returns the canonical encoding of the digest.
func (d *Digest) JSON() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode digest: %w", err)
	}
	return data, nil
}

// Render formats the digest as compact plain text for a system prompt.
func (d *Digest) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Dataset: %d rows, %d columns\n", d.RowCount, d.ColumnCount)
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(d.ColumnNames(), ", "))

	b.WriteString("\nData types:\n")
	for _, c := range d.Columns {
		fmt.Fprintf(&b, "- %s: %s (missing %d, unique %d)\n", c.Name, c.Type, c.Missing, c.Unique)
	}

	var numeric []ColumnProfile
	for _, c := range d.Columns {
		if c.Numeric != nil {
			numeric = append(numeric, c)
		}
	}
	if len(numeric) > 0 {
		b.WriteString("\nNumeric column summary (count mean std min 25% 50% 75% max):\n")
		for _, c := range numeric {
			n := c.Numeric
			fmt.Fprintf(&b, "- %s: %d %s %s %s %s %s %s %s\n", c.Name, n.Count,
				formatFloat(n.Mean), formatFloat(n.Std), formatFloat(n.Min), formatFloat(n.Q25),
				formatFloat(n.Median), formatFloat(n.Q75), formatFloat(n.Max))
		}
	}

	if grouping := d.GroupingColumns(); len(grouping) > 0 {
		fmt.Fprintf(&b, "\nPotential grouping columns: %s\n", strings.Join(grouping, ", "))
		shown := 0
		for _, c := range d.Columns {
			if !c.Grouping || shown == renderedDistributions {
				continue
			}
			shown++
			fmt.Fprintf(&b, "%s distribution:", c.Name)
			for _, cat := range c.TopCategories {
				fmt.Fprintf(&b, " %s=%d", cat.Value, cat.Count)
			}
			b.WriteString("\n")
		}
	}

	if len(d.SampleRows) > 0 {
		fmt.Fprintf(&b, "\nFirst %d rows:\n", len(d.SampleRows))
		b.WriteString(strings.Join(d.ColumnNames(), ","))
		b.WriteString("\n")
		for _, row := range d.SampleRows {
			b.WriteString(strings.Join(row, ","))
			b.WriteString("\n")
		}
	}

	b.WriteString("\nA pandas DataFrame named 'df' holding the full dataset is available to generated code.\n")
	b.WriteString("Use standard pandas operations such as df.groupby('column').agg(...) or df[df['column'] > value].\n")

	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
