package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/oceangrid/internal/client"
	"github.com/xtxerr/oceangrid/internal/integrity"
)

// CLI runs commands against one server.
type CLI struct {
	client  *client.Client
	out     io.Writer
	timeout time.Duration
}

type command struct {
	name  string
	usage string
	min   int
	run   func(c *CLI, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"layers", "layers", 0, (*CLI).layers},
		{"status", "status", 0, (*CLI).status},
		{"predict", "predict LAT LON [LAYER]", 2, (*CLI).predict},
		{"hotspots", "hotspots [LAYER|-] [PERCENTILE] [LIMIT]", 0, (*CLI).hotspots},
		{"summary", "summary LAYER", 1, (*CLI).summary},
		{"export", "export LAYER [PERCENTILE]", 1, (*CLI).export},
		{"checksum", "checksum FILE (local SHA-256)", 1, (*CLI).checksum},
		{"help", "help", 0, (*CLI).help},
	}
}

// Execute runs one command line split into fields.
func (c *CLI) Execute(args []string) error {
	if len(args) == 0 {
		return nil
	}
	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		if len(args)-1 < cmd.min {
			return fmt.Errorf("usage: %s", cmd.usage)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return cmd.run(c, ctx, args[1:])
	}
	return fmt.Errorf("unknown command %q, try 'help'", args[0])
}

func (c *CLI) help(_ context.Context, _ []string) error {
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %s\n", cmd.usage)
	}
	return nil
}

func (c *CLI) layers(ctx context.Context, _ []string) error {
	layers, err := c.client.Layers(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"Name", "State", "Cached", "Checksum", "Description"})
	for _, l := range layers {
		table.Append([]string{
			l.Name,
			string(l.State),
			yesNo(l.Cached),
			yesNo(l.VerifiedByChecksum),
			l.Description,
		})
	}
	table.Render()
	return nil
}

func (c *CLI) status(ctx context.Context, _ []string) error {
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "uptime:   %s\n", st.Uptime.Truncate(time.Second))
	fmt.Fprintf(c.out, "layers:   %d (%d loaded)\n", st.Layers, st.Loaded)
	fmt.Fprintf(c.out, "cache:    %d hits, %d misses, %d fetches, %d verify failures, %d errors\n",
		st.Cache.Hits, st.Cache.Misses, st.Cache.Fetches, st.Cache.VerifyFailures, st.Cache.Errors)
	return nil
}

func (c *CLI) predict(ctx context.Context, args []string) error {
	lat, err := parseFloat("lat", args[0])
	if err != nil {
		return err
	}
	lon, err := parseFloat("lon", args[1])
	if err != nil {
		return err
	}
	p, err := c.client.Predict(ctx, optional(args, 2), lat, lon, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s at (%g, %g): %s [%s]\n", p.Layer, p.Lat, p.Lon, formatValue(p.Value), p.Interpretation)
	if p.Snapped {
		fmt.Fprintf(c.out, "  snapped to nearest valid cell (%g, %g)\n", p.NearestLat, p.NearestLon)
	}
	return nil
}

func (c *CLI) hotspots(ctx context.Context, args []string) error {
	layer := optional(args, 0)
	if layer == "-" {
		layer = ""
	}
	pct := 80.0
	if s := optional(args, 1); s != "" {
		v, err := parseFloat("percentile", s)
		if err != nil {
			return err
		}
		pct = v
	}
	limit := 20
	if s := optional(args, 2); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("limit: %q is not an integer", s)
		}
		limit = v
	}

	h, err := c.client.Hotspots(ctx, layer, pct, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s p%g: threshold %s, %d of %d cells\n",
		h.Layer, h.Percentile, formatValue(h.Threshold), h.Count, h.Total)
	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"Rank", "Lat", "Lon", "Value"})
	for _, s := range h.Hotspots {
		table.Append([]string{
			strconv.Itoa(s.Rank),
			strconv.FormatFloat(s.Lat, 'f', 4, 64),
			strconv.FormatFloat(s.Lon, 'f', 4, 64),
			strconv.FormatFloat(s.Value, 'f', 4, 64),
		})
	}
	table.Render()
	return nil
}

func (c *CLI) summary(ctx context.Context, args []string) error {
	s, err := c.client.Summary(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s (%s", s.Layer, s.Variable)
	if s.Units != "" {
		fmt.Fprintf(c.out, ", %s", s.Units)
	}
	fmt.Fprintln(c.out, ")")
	fmt.Fprintf(c.out, "  lat: %d points [%g, %g] %s\n", s.Lat.Size, s.Lat.Min, s.Lat.Max, s.Lat.Order)
	fmt.Fprintf(c.out, "  lon: %d points [%g, %g] %s\n", s.Lon.Size, s.Lon.Min, s.Lon.Max, s.Lon.Order)
	fmt.Fprintf(c.out, "  valid: %d of %d\n", s.Stats.CountValid, s.Stats.CountTotal)
	fmt.Fprintf(c.out, "  min %s  mean %s  max %s  p90 %s\n",
		formatValue(s.Stats.Min), formatValue(s.Stats.Mean), formatValue(s.Stats.Max), formatValue(s.Stats.P90))
	return nil
}

func (c *CLI) export(ctx context.Context, args []string) error {
	pct := 80.0
	if s := optional(args, 1); s != "" {
		v, err := parseFloat("percentile", s)
		if err != nil {
			return err
		}
		pct = v
	}
	e, err := c.client.Export(ctx, args[0], pct)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %d rows to %s\n", e.Rows, e.Path)
	return nil
}

func (c *CLI) checksum(_ context.Context, args []string) error {
	sum, err := integrity.Sum(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s  %s\n", sum, args[0])
	return nil
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, s)
	}
	return v, nil
}

func formatValue(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
