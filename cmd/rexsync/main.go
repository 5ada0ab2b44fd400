// Command rexsync runs the workflow synchronization daemon and its
// maintenance commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rexsync/rexsync/config"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/version"
)

const (
	cmdServe           = "serve"
	cmdRefreshWorkflow = "refresh-workflows"
	cmdCancelWorkflows = "cancel-workflows"
)

type options struct {
	configPath   string
	showVersion  bool
	showHelp     bool
	port         int
	logLevel     string
	directoryURL string
	storeType    string
	eventsType   string
	debug        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rexsync", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version information")
	fs.BoolVar(&opts.showHelp, "help", false, "Print help information")
	fs.IntVar(&opts.port, "port", 0, "Override ops server port")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override log level")
	fs.StringVar(&opts.directoryURL, "directory-url", "", "Override deployment directory URL")
	fs.StringVar(&opts.storeType, "store", "", "Override store type (memory, badger, redis)")
	fs.StringVar(&opts.eventsType, "events", "", "Override event manager type (local, redis)")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.showHelp {
		printHelp(stdout, fs)
		return 0
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version.Get().String())
		return 0
	}

	command := cmdServe
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}
	switch command {
	case cmdServe, cmdRefreshWorkflow, cmdCancelWorkflows:
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		printHelp(stderr, fs)
		return 2
	}

	overrides := buildOverrides(opts)
	cfg, err := config.Load(opts.configPath, overrides)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration:\n%s\n", err)
		return 1
	}

	log := logger.New(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.SetGlobal(log)
	defer log.Close()

	switch command {
	case cmdRefreshWorkflow:
		err = refreshWorkflows(ctx, cfg, stdout)
	case cmdCancelWorkflows:
		err = cancelWorkflows(ctx, cfg, stdout)
	default:
		err = serve(ctx, cfg, opts.configPath, overrides)
	}
	if err != nil {
		log.Error("rexsync failed", "command", command, "error", err)
		fmt.Fprintf(stderr, "%s: %v\n", command, err)
		return 1
	}
	return 0
}

func buildOverrides(opts options) map[string]interface{} {
	overrides := make(map[string]interface{})
	if opts.port != 0 {
		overrides["server.port"] = opts.port
	}
	if opts.logLevel != "" {
		overrides["log.level"] = opts.logLevel
	}
	if opts.debug {
		overrides["log.level"] = "debug"
	}
	if opts.directoryURL != "" {
		overrides["engine.directory_url"] = opts.directoryURL
	}
	if opts.storeType != "" {
		overrides["store.type"] = opts.storeType
	}
	if opts.eventsType != "" {
		overrides["events.type"] = opts.eventsType
	}
	return overrides
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "rexsync - workflow engine synchronization and orchestration daemon\n\n")
	fmt.Fprintf(w, "Usage: rexsync [options] [command]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  serve               Run the daemon (default)\n")
	fmt.Fprintf(w, "  refresh-workflows   Run one refresh sweep and print the active workflows\n")
	fmt.Fprintf(w, "  cancel-workflows    Refresh, then cancel every running workflow (development only)\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  rexsync -config rexsync.yaml\n")
	fmt.Fprintf(w, "  rexsync -port 9090 -log-level debug\n")
	fmt.Fprintf(w, "  rexsync -store memory refresh-workflows\n")
}
