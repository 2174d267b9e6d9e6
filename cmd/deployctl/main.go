// deployctl is the operator CLI for the deployguard control plane. It
// talks to the server's ops API; set DEPLOYGUARD_ADDR and OPS_TOKEN.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitRolledBack = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitFailure
	}
	c := &client{
		baseURL: envDefault("DEPLOYGUARD_ADDR", "http://localhost:8080"),
		token:   os.Getenv("OPS_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	switch args[0] {
	case "start":
		return cmdStart(c, args[1:])
	case "monitor":
		return cmdMonitor(c, args[1:])
	case "status":
		return cmdStatus(c, args[1:])
	case "metrics":
		return cmdMetrics(c, args[1:])
	case "rollback":
		return cmdRollback(c, args[1:])
	case "list":
		return cmdList(c, args[1:])
	case "replay":
		return cmdReplay(c, args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitFailure
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: deployctl <command> [flags]

commands:
  start     --service --version --region [--auto-promote]
  monitor   --deployment-id [--interval=<seconds>]
  status    --deployment-id [--json]
  metrics   --deployment-id [--json]
  rollback  --deployment-id [--reason=<text>]
  list      [--json]
  replay    --job-id [--force]
  help
`)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) do(method, path string, body interface{}, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s: %s", problem.Title, problem.Detail)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// deployment mirrors the server's response shape; only the fields the
// CLI prints.
type deployment struct {
	ID             string  `json:"id"`
	Service        string  `json:"service"`
	Version        string  `json:"version"`
	Region         string  `json:"region"`
	Status         string  `json:"status"`
	CurrentStage   int     `json:"current_stage"`
	CurrentWeight  float64 `json:"current_weight"`
	RollbackReason string  `json:"rollback_reason,omitempty"`
	LastMetrics    *struct {
		RequestCount int64   `json:"request_count"`
		ErrorRate    float64 `json:"error_rate"`
		LatencyP95   float64 `json:"latency_p95"`
	} `json:"last_metrics,omitempty"`
	LastBudget *struct {
		BurnRate float64 `json:"burn_rate"`
		Status   string  `json:"status"`
	} `json:"last_budget,omitempty"`
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitFailure
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStart(c *client, args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	service := fs.String("service", "", "service name")
	version := fs.String("version", "", "version being rolled out")
	region := fs.String("region", "", "target region")
	autoPromote := fs.Bool("auto-promote", false, "monitor until the rollout finishes")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	if *service == "" || *version == "" || *region == "" {
		fmt.Fprintln(os.Stderr, "start requires --service, --version, and --region")
		return exitFailure
	}

	var d deployment
	err := c.do(http.MethodPost, "/v1/deployments", map[string]string{
		"service": *service, "version": *version, "region": *region,
	}, &d)
	if err != nil {
		return fail(err)
	}
	if *jsonOut {
		printJSON(d)
	} else {
		fmt.Printf("deployment: %s\nservice: %s\nversion: %s\nregion: %s\nweight: %.2f\n",
			d.ID, d.Service, d.Version, d.Region, d.CurrentWeight)
	}
	if *autoPromote {
		return monitor(c, d.ID, 10*time.Second)
	}
	return exitOK
}

func cmdMonitor(c *client, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	id := fs.String("deployment-id", "", "deployment to watch")
	interval := fs.Int("interval", 10, "poll interval in seconds")
	fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "monitor requires --deployment-id")
		return exitFailure
	}
	return monitor(c, *id, time.Duration(*interval)*time.Second)
}

// monitor polls status until the deployment reaches a terminal state,
// printing one compact line per poll.
func monitor(c *client, id string, interval time.Duration) int {
	for {
		var d deployment
		if err := c.do(http.MethodGet, "/v1/deployments/"+id, nil, &d); err != nil {
			return fail(err)
		}

		line := fmt.Sprintf("stage=%d weight=%.2f status=%s", d.CurrentStage, d.CurrentWeight, d.Status)
		if d.LastMetrics != nil {
			line += fmt.Sprintf(" error_rate=%.2f%% p95=%.0fms", d.LastMetrics.ErrorRate*100, d.LastMetrics.LatencyP95)
		}
		if d.LastBudget != nil {
			line += " budget=" + d.LastBudget.Status
		}
		fmt.Println(line)

		switch d.Status {
		case "completed":
			return exitOK
		case "rolled_back":
			if d.RollbackReason != "" {
				fmt.Fprintln(os.Stderr, "rolled back:", d.RollbackReason)
			}
			return exitRolledBack
		}
		time.Sleep(interval)
	}
}

func cmdStatus(c *client, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("deployment-id", "", "deployment to inspect")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "status requires --deployment-id")
		return exitFailure
	}

	var d deployment
	if err := c.do(http.MethodGet, "/v1/deployments/"+*id, nil, &d); err != nil {
		return fail(err)
	}
	if *jsonOut {
		printJSON(d)
		return exitOK
	}
	fmt.Printf("id: %s\nservice: %s\nversion: %s\nregion: %s\nstatus: %s\nstage: %d\nweight: %.2f\n",
		d.ID, d.Service, d.Version, d.Region, d.Status, d.CurrentStage, d.CurrentWeight)
	if d.RollbackReason != "" {
		fmt.Printf("rollback reason: %s\n", d.RollbackReason)
	}
	return exitOK
}

func cmdMetrics(c *client, args []string) int {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	id := fs.String("deployment-id", "", "deployment to inspect")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "metrics requires --deployment-id")
		return exitFailure
	}

	var out map[string]interface{}
	if err := c.do(http.MethodGet, "/v1/deployments/"+*id+"/metrics", nil, &out); err != nil {
		return fail(err)
	}
	if *jsonOut {
		printJSON(out)
		return exitOK
	}
	for k, v := range out {
		fmt.Printf("%s: %v\n", k, v)
	}
	return exitOK
}

func cmdRollback(c *client, args []string) int {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	id := fs.String("deployment-id", "", "deployment to roll back")
	reason := fs.String("reason", "operator initiated", "rollback reason")
	fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "rollback requires --deployment-id")
		return exitFailure
	}

	var d deployment
	err := c.do(http.MethodPost, "/v1/deployments/"+*id+"/rollback",
		map[string]string{"reason": *reason}, &d)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("status: %s\nweight: %.2f\n", d.Status, d.CurrentWeight)
	return exitOK
}

func cmdList(c *client, args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	var out struct {
		Deployments []deployment `json:"deployments"`
	}
	if err := c.do(http.MethodGet, "/v1/deployments", nil, &out); err != nil {
		return fail(err)
	}
	if *jsonOut {
		printJSON(out.Deployments)
		return exitOK
	}
	if len(out.Deployments) == 0 {
		fmt.Println("no deployments")
		return exitOK
	}
	for _, d := range out.Deployments {
		fmt.Printf("%s  %s/%s  %s  stage=%d weight=%.2f  %s\n",
			d.ID, d.Service, d.Version, d.Region, d.CurrentStage, d.CurrentWeight, d.Status)
	}
	return exitOK
}

func cmdReplay(c *client, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	jobID := fs.String("job-id", "", "delivery job to replay")
	force := fs.Bool("force", false, "bypass the idempotency cache")
	fs.Parse(args)
	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "replay requires --job-id")
		return exitFailure
	}

	path := "/v1/deliveries/" + *jobID + "/replay"
	if *force {
		path += "?force=true"
	}
	var out map[string]interface{}
	if err := c.do(http.MethodPost, path, nil, &out); err != nil {
		return fail(err)
	}
	fmt.Printf("job %s requeued (status=%v)\n", *jobID, out["status"])
	return exitOK
}
