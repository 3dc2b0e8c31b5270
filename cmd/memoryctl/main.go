// Command memoryctl is the operator CLI for the memory substrate: it can
// remember, search, list, and delete records, trigger consolidation and
// reindex jobs, scan the ingest directory, report health, and browse
// stored memories interactively.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"memsub/internal/domain"
	"memsub/internal/infra/config"
	"memsub/internal/infra/logger"
	"memsub/internal/infra/tracer"
	"memsub/internal/service"
)

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		switch {
		case len(os.Args) >= 2 && (os.Args[1] == "--help" || os.Args[1] == "-h"):
			showUsage()
			return
		default:
			showUsage()
			os.Exit(1)
		}
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := bootstrap(ctx, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	var runErr error
	switch cmd {
	case "remember":
		runErr = runRemember(ctx, svc, args)
	case "search":
		runErr = runSearch(ctx, svc, args)
	case "list":
		runErr = runList(ctx, svc, args)
	case "delete":
		runErr = runDelete(ctx, svc, args)
	case "consolidate":
		runErr = runConsolidate(ctx, svc)
	case "reindex":
		runErr = runReindex(ctx, svc, args)
	case "ingest":
		runErr = runIngest(ctx, svc)
	case "health":
		runErr = runHealth(ctx, svc)
	case "browse":
		runErr = runBrowse(ctx, svc)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'memoryctl --help' for usage information.\n", cmd)
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, runErr)
		os.Exit(1)
	}
}

// bootstrap loads config (honoring --config PATH in args), builds a
// logger and tracer, and initializes the service. cleanup shuts everything
// down in reverse order.
func bootstrap(ctx context.Context, args []string) (*service.Service, func(), error) {
	cfgPath := flagValue(args, "--config", "./memsub.yaml")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("init tracer: %w", err)
	}

	svc := service.New(cfg, log)
	if err := svc.Initialize(ctx); err != nil {
		shutdownTracer(ctx) //nolint:errcheck
		closeLog()
		return nil, nil, fmt.Errorf("init service: %w", err)
	}

	cleanup := func() {
		svc.Shutdown(ctx) //nolint:errcheck
		shutdownTracer(ctx) //nolint:errcheck
		closeLog()
	}
	return svc, cleanup, nil
}

// flagValue returns the value of --name VALUE or --name=VALUE in args, or
// def if not present.
func flagValue(args []string, name, def string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(args[i], name+"=") {
			return strings.TrimPrefix(args[i], name+"=")
		}
	}
	return def
}

func showUsage() {
	fmt.Println(`memoryctl - memory substrate operator CLI

USAGE:
    memoryctl COMMAND [FLAGS]

COMMANDS:
    remember TEXT       Store an explicit long-term memory
                        Flags: --type TYPE --tags a,b,c
    search QUERY        Hybrid search over stored memories
                        Flags: --limit N --layer stm|ltm
    list                List memories
                        Flags: --type TYPE --layer stm|ltm
    delete ID           Delete a memory by ID
    consolidate         Run one consolidation pass now
    reindex             Re-embed every record under the old provider/model
                        Flags: --old-provider NAME --old-model NAME
    ingest              Scan the configured ingest directory
    health              Report service health
    browse              Interactive memory browser (TUI)

FLAGS:
    -h, --help          Show this help message
    --config PATH       Config file path (default: ./memsub.yaml)

EXAMPLES:
    memoryctl remember "user prefers dark mode" --type preference
    memoryctl search "dark mode" --limit 5
    memoryctl consolidate
    memoryctl browse`)
}

func typeOrDefault(v string, def domain.MemoryType) domain.MemoryType {
	if v == "" {
		return def
	}
	return domain.MemoryType(v)
}

func layerOrDefault(v string) domain.MemoryLayer {
	switch v {
	case "stm":
		return domain.LayerSTM
	case "ltm":
		return domain.LayerLTM
	default:
		return ""
	}
}
