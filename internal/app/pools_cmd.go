package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nuetzliches/claimq/internal/config"
	"github.com/nuetzliches/claimq/internal/storage"
)

func poolsCmd(args []string) int {
	return runPoolsCmd(args, os.Stdout, os.Stderr)
}

func runPoolsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: apply | list")
		return 2
	}
	switch args[0] {
	case "apply":
		return poolsApply(args[1:], stdout, stderr)
	case "list":
		return poolsList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown pools subcommand: %s\n", args[0])
		return 2
	}
}

// openCatalogue opens the control backend named by CLAIMQ_POOLING_CATALOGUE_URI.
func openCatalogue(ctx context.Context, dotenvPath string) (storage.ControlDriver, error) {
	cfg, err := loadConfig(dotenvPath)
	if err != nil {
		return nil, err
	}
	return newRegistry().OpenControl(ctx, cfg.Pooling.CatalogueURI, storageOptions(cfg, newDiscardLogger(), nil))
}

func poolsApply(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pools apply", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "pools file (default CLAIMQ_POOLS_FILE)")
	prune := fs.Bool("prune", false, "remove registered pools that the file does not list")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "pools apply: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "pools apply: unexpected positional arguments")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	path := strings.TrimSpace(*file)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.EnvPrefix + "POOLS_FILE"))
	}
	if path == "" {
		fmt.Fprintln(stderr, "pools apply: --file is required")
		return 2
	}
	pools, err := config.ReadPoolsFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "pools apply: %v\n", err)
		return 1
	}

	ctrl, err := openCatalogue(ctx, *dotenvPath)
	if err != nil {
		fmt.Fprintf(stderr, "pools apply: %v\n", err)
		return 1
	}
	defer func() { _ = ctrl.Close() }()

	changed, err := applyPools(ctx, ctrl.Pools(), pools, *prune, newDiscardLogger())
	if err != nil {
		fmt.Fprintf(stderr, "pools apply: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "applied %d pools (%d changed)\n", len(pools), changed)
	return 0
}

type poolPayload struct {
	Name    string         `json:"name"`
	URI     string         `json:"uri,omitempty"`
	Backend string         `json:"backend"`
	Weight  int            `json:"weight"`
	Options map[string]any `json:"options,omitempty"`
}

func poolsList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pools list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	detailed := fs.Bool("detailed", false, "include pool URIs and options")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file")
	jsonOutput := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "pools list: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "pools list: unexpected positional arguments")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ctrl, err := openCatalogue(ctx, *dotenvPath)
	if err != nil {
		fmt.Fprintf(stderr, "pools list: %v\n", err)
		return 1
	}
	defer func() { _ = ctrl.Close() }()

	var out []poolPayload
	marker := ""
	for {
		page, err := ctrl.Pools().List(ctx, storage.PoolListOptions{
			Marker:   marker,
			Limit:    storage.DefaultMaxQueuesPage,
			Detailed: *detailed,
		})
		if err != nil {
			fmt.Fprintf(stderr, "pools list: %v\n", err)
			return 1
		}
		for _, p := range page {
			pp := poolPayload{Name: p.Name, Backend: storage.Scheme(p.URI), Weight: p.Weight}
			if *detailed {
				pp.URI = p.URI
				pp.Options = p.Options
			}
			out = append(out, pp)
		}
		if len(page) < storage.DefaultMaxQueuesPage {
			break
		}
		marker = page[len(page)-1].Name
	}

	if *jsonOutput {
		if out == nil {
			out = []poolPayload{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "pools list: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBACKEND\tWEIGHT")
	for _, p := range out {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Name, p.Backend, p.Weight)
	}
	_ = tw.Flush()
	return 0
}
