package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pevans/intelliscrape"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/pevans/intelliscrape/variant"
)

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address, overrides http.addr")
	fs.Parse(args)

	a := openApp()
	defer a.Close()
	if *addr != "" {
		a.cfg.HTTP.Addr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	errChan := make(chan error, 2)
	go func() {
		errChan <- a.service.Run(ctx)
	}()

	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           intelliscrape.NewAPIServer(a.service, a.registry).SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.log.Info("Starting API server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		a.log.Info("Shutting down gracefully", logger.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			a.log.Error("Service error", logger.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Workers.DrainTimeout+5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("API server shutdown failed", logger.Error(err))
	}
	a.service.Stop()

	select {
	case <-errChan:
		a.log.Info("Service stopped")
	case <-shutdownCtx.Done():
		a.log.Warn("Shutdown timeout exceeded, forcing exit")
	}
}

// printer writes results and failures as JSON lines.
type printer struct {
	mu     sync.Mutex
	failed int
}

func (p *printer) print(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func (p *printer) scraped(_ context.Context, e scraper.Event) error {
	s := e.(scraper.Scraped)
	p.print(map[string]any{
		"url":     s.Request.URL,
		"type":    s.Request.Type,
		"variant": s.Result.Variant,
		"fields":  s.Result.Values(),
	})
	return nil
}

func (p *printer) scrapeFailed(_ context.Context, e scraper.Event) error {
	f := e.(scraper.ScrapeFailed)
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	fmt.Fprintf(os.Stderr, "Failed: %s (%s): %s\n", f.Request.URL, f.Request.Type, f.Reason)
	return nil
}

// runOnce starts the service, lets submit queue work, waits for everything
// it caused and stops again.
func runOnce(a *app, timeout time.Duration, submit func(ctx context.Context) error) *printer {
	p := &printer{}
	a.service.Subscribe(scraper.EventScraped, p.scraped)
	a.service.Subscribe(scraper.EventScrapeFailed, p.scrapeFailed)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := a.service.Start(ctx); err != nil {
		a.fatal("%v", err)
	}
	if err := submit(ctx); err != nil {
		a.service.Shutdown(context.Background())
		a.fatal("%v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	if err := a.service.Wait(waitCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: gave up waiting: %v\n", err)
	}
	if err := a.service.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return p
}

func handleScrape(args []string) {
	fs := flag.NewFlagSet("scrape", flag.ExitOnError)
	typ := fs.String("type", "", "Type to scrape the URLs as (required)")
	timeout := fs.Duration("timeout", 5*time.Minute, "How long to wait for results, including chained pages")
	fs.Parse(args)

	if *typ == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: usage: intelliscrape scrape -type <type> <url> [url...]")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	p := runOnce(a, *timeout, func(ctx context.Context) error {
		for _, url := range fs.Args() {
			if err := a.service.Submit(ctx, scraper.NewScrapeRequest(url, *typ, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if p.failed > 0 {
		a.Close()
		os.Exit(2)
	}
}

func handleFeedSeed(args []string) {
	fs := flag.NewFlagSet("feed seed", flag.ExitOnError)
	url := fs.String("url", "", "Feed URL (required)")
	typ := fs.String("type", "", "Type of the linked pages (required)")
	timeout := fs.Duration("timeout", 10*time.Minute, "How long to wait for results")
	fs.Parse(args)

	if *url == "" || *typ == "" {
		fmt.Fprintln(os.Stderr, "Error: -url and -type are required")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	runOnce(a, *timeout, func(ctx context.Context) error {
		n, err := a.service.SeedFeed(ctx, *url, *typ)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Seeded %d requests\n", n)
		return nil
	})
}

func printFeedUsage() {
	fmt.Println("intelliscrape feed - Seed scrape requests from feeds")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  intelliscrape feed seed -url <feed> -type <type>")
}

// fieldFlags collects repeated -field name=value flags.
type fieldFlags map[string][]string

func (f fieldFlags) String() string {
	parts := make([]string, 0, len(f))
	for name, values := range f {
		parts = append(parts, name+"="+strings.Join(values, "|"))
	}
	return strings.Join(parts, ",")
}

func (f fieldFlags) Set(value string) error {
	name, v, ok := strings.Cut(value, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", value)
	}
	f[name] = append(f[name], v)
	return nil
}

func handleDatasetCommand(action string, args []string) {
	switch action {
	case "add":
		handleDatasetAdd(args)
	case "list":
		handleDatasetList(args)
	case "help", "--help", "-h":
		printDatasetUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown dataset command: %s\n\n", action)
		printDatasetUsage()
		os.Exit(1)
	}
}

func printDatasetUsage() {
	fmt.Println("intelliscrape dataset - Manage example pages")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  intelliscrape dataset <action> [arguments]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  add        Record a page and the values it holds")
	fmt.Println("             -url <url> -type <type> -field name=value [-field ...]")
	fmt.Println("  list       List the examples of a type")
	fmt.Println("             -type <type> [-variant <variant>]")
}

func handleDatasetAdd(args []string) {
	fields := fieldFlags{}
	fs := flag.NewFlagSet("dataset add", flag.ExitOnError)
	url := fs.String("url", "", "Page URL (required)")
	typ := fs.String("type", "", "Type of the page (required)")
	fs.Var(fields, "field", "Field value as name=value; repeat for more values")
	fs.Parse(args)

	if *url == "" || *typ == "" || len(fields) == 0 {
		fmt.Fprintln(os.Stderr, "Error: -url, -type and at least one -field are required")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	found := make(map[string]bool, len(fields))
	for name := range fields {
		found[name] = true
	}

	created, err := a.examples.RecordOrUpdate(context.Background(), *url, *typ,
		variant.Fingerprint(*typ, found), fields)
	if err != nil {
		a.fatal("failed to record example: %v", err)
	}
	if created {
		fmt.Printf("Example added: %s\n", *url)
	} else {
		fmt.Printf("Example updated: %s\n", *url)
	}
}

func handleDatasetList(args []string) {
	fs := flag.NewFlagSet("dataset list", flag.ExitOnError)
	typ := fs.String("type", "", "Type to list (required)")
	variantID := fs.String("variant", "", "Only list one variant")
	fs.Parse(args)

	if *typ == "" {
		fmt.Fprintln(os.Stderr, "Error: -type is required")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx := context.Background()
	records, err := a.examples.ListByType(ctx, *typ)
	if *variantID != "" {
		records, err = a.examples.ListByTypeAndVariant(ctx, *typ, *variantID)
	}
	if err != nil {
		a.fatal("failed to list examples: %v", err)
	}

	if len(records) == 0 {
		fmt.Println("No examples recorded.")
		return
	}

	fmt.Printf("%-20s %-12s %s\n", "UPDATED", "VARIANT", "URL")
	fmt.Println("----------------------------------------------------------------------------------------------------")
	for _, rec := range records {
		fmt.Printf("%-20s %-12s %s\n",
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
			rec.Variant[:min(12, len(rec.Variant))],
			rec.URL,
		)
	}
	fmt.Printf("\nTotal: %d examples (limit %d per variant)\n", len(records), a.examples.Limit())
}

func handleConfigCommand(action string, args []string) {
	switch action {
	case "show":
		handleConfigShow(args)
	case "calculate":
		handleConfigCalculate(args)
	case "help", "--help", "-h":
		printConfigUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config command: %s\n\n", action)
		printConfigUsage()
		os.Exit(1)
	}
}

func printConfigUsage() {
	fmt.Println("intelliscrape config - Show or recalculate type configurations")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  intelliscrape config <action> [arguments]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  show       Print the stored configuration of a type")
	fmt.Println("             -type <type>")
	fmt.Println("  calculate  Derive a configuration from the examples of a type")
	fmt.Println("             -type <type> [-save]")
}

func handleConfigShow(args []string) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	typ := fs.String("type", "", "Type to show (required)")
	fs.Parse(args)

	if *typ == "" {
		fmt.Fprintln(os.Stderr, "Error: -type is required")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	cfg, err := a.configs.FindByType(context.Background(), *typ)
	if err != nil {
		a.fatal("failed to load configuration: %v", err)
	}
	if len(cfg) == 0 {
		fmt.Printf("No configuration for type %s.\n", *typ)
		return
	}
	printConfiguration(cfg)
}

func handleConfigCalculate(args []string) {
	fs := flag.NewFlagSet("config calculate", flag.ExitOnError)
	typ := fs.String("type", "", "Type to calculate (required)")
	save := fs.Bool("save", false, "Store the result as the type's configuration")
	fs.Parse(args)

	if *typ == "" {
		fmt.Fprintln(os.Stderr, "Error: -type is required")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	// Re-fetched examples publish telemetry, so the bus has to run
	var (
		cfg scraper.Configuration
		err error
	)
	runOnce(a, time.Minute, func(ctx context.Context) error {
		cfg, err = a.service.Calculator().Calculate(ctx, *typ)
		return nil
	})
	if err != nil {
		a.fatal("%v", err)
	}

	printConfiguration(cfg)
	if *save {
		if err := a.configs.Replace(context.Background(), *typ, cfg); err != nil {
			a.fatal("failed to save configuration: %v", err)
		}
		fmt.Printf("\nConfiguration saved for type %s.\n", *typ)
	}
}

func printConfiguration(cfg scraper.Configuration) {
	for _, def := range cfg {
		fmt.Printf("%s", def.Name)
		if def.Optional {
			fmt.Printf(" (optional")
			if def.Default != nil {
				fmt.Printf(", default %q", *def.Default)
			}
			fmt.Printf(")")
		}
		if def.ChainType != "" {
			fmt.Printf(" -> %s", def.ChainType)
		}
		fmt.Println()
		for _, sel := range def.Selectors {
			fmt.Printf("    %s\n", sel)
		}
	}
}
