// Command cbctl is the Coherence Bus administrative CLI (§6,
// non-hot-path): bus status/replay, store snapshot/restore, and circuit
// breaker reset, driven against a running `coherence-bus` server's
// /healthz and /admin endpoints.
//
// Usage:
//
//	cbctl bus status                                          - show channel/breaker health
//	cbctl bus replay <channel> <group> -from-offset=N         - rewind a consumer group
//	cbctl store snapshot                                      - force a Knowledge Store snapshot
//	cbctl store restore <snapshot>                            - restore a specific snapshot
//	cbctl circuit reset <channel>                             - force a breaker closed
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Exit codes (§6): 0 ok, 2 misuse, 3 store corruption, 4 bus unavailable.
const (
	exitOK         = 0
	exitMisuse     = 2
	exitStoreError = 3
	exitBusError   = 4
)

func main() {
	server := flag.String("server", envOr("CBCTL_SERVER", "http://localhost:8090"), "coherence-bus admin address")
	args := reorderFlags(os.Args[1:])

	// Only -server (and -h/-help) belong to the global flag set; every other
	// flag, such as replay's -from-offset, is handed on to the subcommand.
	var global, sub []string
	for _, a := range args.rest {
		name := strings.SplitN(strings.TrimLeft(a, "-"), "=", 2)[0]
		if name == "server" || name == "h" || name == "help" {
			global = append(global, a)
		} else {
			sub = append(sub, a)
		}
	}
	flag.CommandLine.Parse(global)

	if len(args.cmd) < 2 {
		printUsage()
		os.Exit(exitMisuse)
	}

	client := &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	subArgs := append(args.cmd[1:], sub...)

	switch args.cmd[0] {
	case "bus":
		os.Exit(cmdBus(client, subArgs))
	case "store":
		os.Exit(cmdStore(client, subArgs))
	case "circuit":
		os.Exit(cmdCircuit(client, subArgs))
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args.cmd[0])
		printUsage()
		os.Exit(exitMisuse)
	}
}

// parsedArgs separates the positional subcommand chain from flags, since
// flag.Parse stops at the first non-flag argument and our subcommands are
// positional (`bus status`, not `-bus -status`). Flags must use the
// single-token `-name=value` form so this split never separates a flag
// from its value.
type parsedArgs struct {
	cmd  []string
	rest []string
}

func reorderFlags(argv []string) parsedArgs {
	var cmd, rest []string
	for _, a := range argv {
		if strings.HasPrefix(a, "-") {
			rest = append(rest, a)
		} else {
			cmd = append(cmd, a)
		}
	}
	return parsedArgs{cmd: cmd, rest: rest}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Println(`Coherence Bus Admin CLI

Usage:
  cbctl [-server=<url>] <command> [arguments]

Commands:
  bus status                                     Show channel lengths and breaker states
  bus replay <channel> <group> -from-offset=N    Rewind a consumer group's offset
  store snapshot                                 Force an immediate store snapshot
  store restore <snapshot>                       Restore a specific snapshot
  circuit reset <channel>                        Force a channel's breaker closed

Flags:
  -server   coherence-bus admin address (default http://localhost:8090,
            or $CBCTL_SERVER). Use -server=<url>, not a separate argument.`)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) post(path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

type healthReport struct {
	Version          string            `json:"version"`
	CoherenceScore   float64           `json:"coherence_score"`
	CommitLagSeconds float64           `json:"commit_lag_seconds"`
	ChannelLengths   map[string]int    `json:"channel_lengths"`
	BreakerStates    map[string]string `json:"breaker_states"`
	DeadLettered     int               `json:"dead_lettered_mutations"`
}

func cmdBus(c *client, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cbctl bus <status|replay> ...")
		return exitMisuse
	}

	switch args[0] {
	case "status":
		return cmdBusStatus(c)
	case "replay":
		return cmdBusReplay(c, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown bus subcommand: %s\n", args[0])
		return exitMisuse
	}
}

func cmdBusStatus(c *client) int {
	var report healthReport
	if err := c.get("/healthz", &report); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitBusError
	}

	fmt.Printf("version:      %s\n", report.Version)
	fmt.Printf("coherence:    %.3f\n", report.CoherenceScore)
	fmt.Printf("commit lag:   %.1fs\n", report.CommitLagSeconds)
	fmt.Printf("dead-letters: %d\n\n", report.DeadLettered)
	fmt.Printf("%-25s %10s %12s\n", "CHANNEL", "LENGTH", "BREAKER")
	for name, length := range report.ChannelLengths {
		fmt.Printf("%-25s %10d %12s\n", name, length, report.BreakerStates[name])
	}
	return exitOK
}

func cmdBusReplay(c *client, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fromOffset := fs.Int64("from-offset", -1, "offset to rewind the consumer group to")
	reordered := reorderFlags(args)
	if err := fs.Parse(reordered.rest); err != nil {
		return exitMisuse
	}

	if len(reordered.cmd) < 2 || *fromOffset < 0 {
		fmt.Fprintln(os.Stderr, "Usage: cbctl bus replay <channel> <group> -from-offset=N")
		return exitMisuse
	}

	err := c.post("/admin/bus/replay", map[string]interface{}{
		"channel":        reordered.cmd[0],
		"consumer_group": reordered.cmd[1],
		"from_offset":    *fromOffset,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitBusError
	}
	fmt.Printf("replayed %s/%s from offset %d\n", reordered.cmd[0], reordered.cmd[1], *fromOffset)
	return exitOK
}

func cmdStore(c *client, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cbctl store <snapshot|restore> ...")
		return exitMisuse
	}

	switch args[0] {
	case "snapshot":
		if err := c.post("/admin/store/snapshot", map[string]interface{}{}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitStoreError
		}
		fmt.Println("snapshot complete")
		return exitOK
	case "restore":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: cbctl store restore <snapshot>")
			return exitMisuse
		}
		if err := c.post("/admin/store/restore", map[string]interface{}{"snapshot": args[1]}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitStoreError
		}
		fmt.Printf("restored snapshot %s\n", args[1])
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown store subcommand: %s\n", args[0])
		return exitMisuse
	}
}

func cmdCircuit(c *client, args []string) int {
	if len(args) < 2 || args[0] != "reset" {
		fmt.Fprintln(os.Stderr, "Usage: cbctl circuit reset <channel>")
		return exitMisuse
	}
	if err := c.post("/admin/circuit/reset", map[string]interface{}{"channel": args[1]}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitBusError
	}
	fmt.Printf("reset breaker for %s\n", args[1])
	return exitOK
}
