package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nuetzliches/claimq/internal/config"
)

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: validate | show")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	case "show":
		return configShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

type validationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

// configValidate checks the environment and, when set, the pools file.
func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dotenvPath := fs.String("dotenv", "", "load environment variables from file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "config validate: %v\n", err)
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "config validate: unknown format %q\n", *format)
		return 2
	}

	res := validationResult{OK: true, Errors: []string{}}
	cfg, err := loadConfig(*dotenvPath)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, splitJoined(err)...)
	} else if cfg.PoolsFile != "" {
		if _, err := config.ReadPoolsFile(cfg.PoolsFile); err != nil {
			res.OK = false
			res.Errors = append(res.Errors, err.Error())
		}
	}

	w := stdout
	if !res.OK {
		w = stderr
	}
	if *format == "text" {
		if res.OK {
			fmt.Fprintln(w, "config ok")
		} else {
			for _, e := range res.Errors {
				fmt.Fprintf(w, "error: %s\n", e)
			}
		}
	} else {
		b, err := json.Marshal(res)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintln(w, string(b))
	}
	if !res.OK {
		return 1
	}
	return 0
}

// splitJoined flattens an errors.Join tree into one message per line.
func splitJoined(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "config: "))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// configShow prints the effective configuration. Tracing headers are
// masked since they usually carry credentials.
func configShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dotenvPath := fs.String("dotenv", "", "load environment variables from file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "config show: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(*dotenvPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if len(cfg.Tracing.Headers) > 0 {
		masked := make(map[string]string, len(cfg.Tracing.Headers))
		for k := range cfg.Tracing.Headers {
			masked[k] = "***"
		}
		cfg.Tracing.Headers = masked
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}
