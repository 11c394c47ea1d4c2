package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/audit"
	"github.com/markus-lassfolk/airbalance/pkg/controller"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// Command line flags
var (
	// Queries
	showSnapshot  = flag.Bool("snapshot", false, "Show the controller snapshot")
	showChannels  = flag.Bool("channels", false, "Show the channel plan and per-channel load")
	showEvents    = flag.Bool("events", false, "Show recent control events")
	showDecisions = flag.Bool("decisions", false, "Show the decision audit trail")
	healthCheck   = flag.Bool("health", false, "Check daemon health")
	version       = flag.Bool("version", false, "Show version information")

	// Options
	apiAddr      = flag.String("api", "http://localhost:8088", "airbalanced API address")
	apiKey       = flag.String("api-key", "", "API key when authentication is enabled")
	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv")
	since        = flag.Duration("since", time.Hour, "Only show events and decisions newer than this")
	limit        = flag.Int("limit", 50, "Maximum number of events or decisions")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	timeout      = flag.Duration("timeout", 10*time.Second, "Request timeout")
)

const (
	AppName    = "airbalancectl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(*logLevel, AppName)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{base: *apiAddr, key: *apiKey, logger: logger, http: &http.Client{Timeout: *timeout}}

	var err error
	switch {
	case *healthCheck:
		err = handleHealth(ctx, c)
	case *showSnapshot:
		err = handleSnapshot(ctx, c)
	case *showChannels:
		err = handleChannels(ctx, c)
	case *showEvents:
		err = handleEvents(ctx, c)
	case *showDecisions:
		err = handleDecisions(ctx, c)
	default:
		showUsage()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base   string
	key    string
	logger *logx.Logger
	http   *http.Client
}

func (c *client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	c.logger.Debug("API request", "url", u)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach airbalanced: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func windowQuery() url.Values {
	q := url.Values{}
	q.Set("since", time.Now().Add(-*since).UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(*limit))
	return q
}

func handleHealth(ctx context.Context, c *client) error {
	var health map[string]interface{}
	if err := c.get(ctx, "/api/health", nil, &health); err != nil {
		return err
	}
	if *outputFormat == "json" {
		return outputJSON(health)
	}
	fmt.Printf("Status: %v (uptime %v)\n", health["status"], health["uptime"])
	return nil
}

func handleSnapshot(ctx context.Context, c *client) error {
	var snap controller.Snapshot
	if err := c.get(ctx, "/api/snapshot", nil, &snap); err != nil {
		return err
	}
	if *outputFormat == "json" {
		return outputJSON(snap)
	}

	fmt.Printf("Network utilization: %.1f\n", snap.NetworkUtilization)
	if snap.Pending != nil {
		fmt.Printf("Pending handover: %s %s -> %s (%s)\n",
			snap.Pending.Station, snap.Pending.From, snap.Pending.To, snap.Pending.Trigger)
	}
	if !snap.LastHandover.IsZero() {
		fmt.Printf("Last handover: %s\n", snap.LastHandover.Local().Format(time.RFC3339))
	}
	fmt.Printf("Unsuccessful handovers remembered: %d\n\n", len(snap.Unsuccessful))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AP\tCHANNEL\tUTIL\tMEAN\tTREND\tCONFLICTS\tCLIENTS")
	for _, ap := range snap.AccessPoints {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%+.2f\t%d\t%d\n",
			ap.ID, ap.Channel, ap.Utilization, ap.LoadMean, ap.LoadTrend, ap.Conflicts, len(ap.Clients))
	}
	return w.Flush()
}

func handleChannels(ctx context.Context, c *client) error {
	var snap controller.Snapshot
	if err := c.get(ctx, "/api/snapshot", nil, &snap); err != nil {
		return err
	}
	if *outputFormat == "json" {
		return outputJSON(map[string]interface{}{
			"assignment": snap.Assignment,
			"channels":   snap.Channels,
			"components": snap.Components,
		})
	}

	aps := make([]pkg.APID, 0, len(snap.Assignment))
	for ap := range snap.Assignment {
		aps = append(aps, ap)
	}
	sort.Slice(aps, func(i, j int) bool { return aps[i] < aps[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AP\tCHANNEL")
	for _, ap := range aps {
		fmt.Fprintf(w, "%s\t%d\n", ap, snap.Assignment[ap])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "CHANNEL\tLOAD\tMEAN")
	for _, ch := range snap.Channels {
		fmt.Fprintf(w, "%d\t%.1f\t%.1f\n", ch.Channel, ch.Load, ch.Mean)
	}
	fmt.Fprintf(w, "\nInterference components: %d\n", len(snap.Components))
	return w.Flush()
}

func handleEvents(ctx context.Context, c *client) error {
	var body struct {
		Events []*pkg.Event `json:"events"`
	}
	if err := c.get(ctx, "/api/events", windowQuery(), &body); err != nil {
		return err
	}

	switch *outputFormat {
	case "json":
		return outputJSON(body.Events)
	case "csv":
		rows := make([][]string, 0, len(body.Events))
		for _, ev := range body.Events {
			rows = append(rows, []string{
				ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Trigger,
				string(ev.Station), string(ev.From), string(ev.To), ev.Reason,
			})
		}
		return outputCSV([]string{"timestamp", "type", "trigger", "station", "from", "to", "reason"}, rows)
	}

	for _, ev := range body.Events {
		fmt.Printf("%s  %-20s %-16s %s %s -> %s %s\n",
			ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.Trigger, ev.Station, ev.From, ev.To, ev.Reason)
	}
	return nil
}

func handleDecisions(ctx context.Context, c *client) error {
	var body struct {
		Decisions []*audit.DecisionRecord `json:"decisions"`
		Stats     *audit.DecisionStats    `json:"stats"`
	}
	if err := c.get(ctx, "/api/decisions", windowQuery(), &body); err != nil {
		return err
	}

	switch *outputFormat {
	case "json":
		return outputJSON(body)
	case "csv":
		rows := make([][]string, 0, len(body.Decisions))
		for _, d := range body.Decisions {
			rows = append(rows, []string{
				d.Timestamp.Format(time.RFC3339), d.DecisionID, d.DecisionType, d.Trigger,
				string(d.Station), string(d.FromAP), string(d.ToAP), strconv.FormatBool(d.Success),
			})
		}
		return outputCSV([]string{"timestamp", "id", "type", "trigger", "station", "from", "to", "success"}, rows)
	}

	for _, d := range body.Decisions {
		status := "ok"
		if !d.Success {
			status = "failed: " + d.Error
		}
		fmt.Printf("%s  %-9s %-16s %s  %s\n",
			d.Timestamp.Local().Format("15:04:05"), d.DecisionType, d.Trigger, d.Reasoning, status)
	}
	if body.Stats != nil {
		fmt.Printf("\n%d decisions, %d successful, %d failed\n",
			body.Stats.TotalDecisions, body.Stats.SuccessfulDecisions, body.Stats.FailedDecisions)
	}
	return nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputCSV(header []string, rows [][]string) error {
	writer := csv.NewWriter(os.Stdout)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func showUsage() {
	fmt.Printf(`%s %s - query a running airbalanced

Usage:
  %s [options] <query>

Queries:
  -health       Check daemon health
  -snapshot     Show access points, load and pending handover
  -channels     Show the channel plan and per-channel load
  -events       Show recent control events
  -decisions    Show the decision audit trail

Options:
`, AppName, AppVersion, AppName)
	flag.PrintDefaults()
}
