// Command loadtest drives concurrent traffic through the proxy and reports
// throughput, latency percentiles and how responses spread across upstreams.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/angeloszaimis/reverse-proxy/pkg/logger"
)

type CLI struct {
	URL         string        `kong:"arg,optional,default='http://127.0.0.1:8080/',help='Target URL.'"`
	Concurrency int           `kong:"short='c',default='10',help='Number of concurrent workers.'"`
	Requests    int           `kong:"short='n',default='1000',help='Total number of requests to send.'"`
	Method      string        `kong:"short='X',default='GET',help='HTTP method.'"`
	Body        string        `kong:"short='d',help='Request body.'"`
	ContentType string        `kong:"name='content-type',default='application/json',help='Content-Type header sent with a body.'"`
	Timeout     time.Duration `kong:"default='10s',help='Per-request timeout.'"`
	Out         string        `kong:"short='o',type='path',help='Write the JSON summary to this file.'"`
	Verbose     bool          `kong:"short='v',help='Log every request.'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("loadtest"),
		kong.Description("Concurrent HTTP load generator for the reverse proxy."),
	)

	level := "info"
	if cli.Verbose {
		level = "debug"
	}
	log := logger.New(os.Stderr, level, false, "dev")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := Run(ctx, Options{
		URL:         cli.URL,
		Method:      cli.Method,
		Body:        cli.Body,
		ContentType: cli.ContentType,
		Concurrency: cli.Concurrency,
		Requests:    cli.Requests,
		Timeout:     cli.Timeout,
	}, log)
	if err != nil {
		log.Error("Load test aborted", slog.Any("err", err))
		os.Exit(1)
	}

	report.Print(os.Stdout)

	if cli.Out != "" {
		if err := writeJSON(cli.Out, report); err != nil {
			log.Error("Failed to write summary", slog.String("file", cli.Out), slog.Any("err", err))
			os.Exit(1)
		}
		fmt.Printf("\nWrote JSON summary to %s\n", cli.Out)
	}

	if report.Failure > 0 {
		os.Exit(2)
	}
}

func writeJSON(path string, report *Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
