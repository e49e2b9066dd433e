// Package cmd implements the CLI command structure for mangrove.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nibzard/mangrove/internal/config"
	"github.com/nibzard/mangrove/internal/logging"
	"github.com/nibzard/mangrove/internal/persist"
	"github.com/nibzard/mangrove/internal/saver"
	"github.com/nibzard/mangrove/internal/service"
	"github.com/nibzard/mangrove/internal/ui"
	"github.com/nibzard/mangrove/internal/web"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Default refresh interval for the storage TUI.
const defaultTUIRefresh = 2 * time.Second

// Run executes the mangrove CLI.
func Run(ctx context.Context, args []string) error {
	// Create a flag set for global options
	fs := flag.NewFlagSet("mangrove", flag.ContinueOnError)
	fs.Usage = func() {
		printUsage(fs, os.Stderr)
	}
	help := fs.Bool("help", false, "Show help")
	fs.BoolVar(help, "h", false, "Show help")
	showVersion := fs.Bool("version", false, "Show version")
	fs.BoolVar(showVersion, "v", false, "Show version")

	// Global flags
	cfg, err := config.Load(fs, args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *help {
		printUsage(fs, os.Stdout)
		return nil
	}
	if *showVersion {
		return versionCommand()
	}

	// Determine the subcommand
	// If no args or first arg is a flag, use "serve" as default
	subcommand := "serve"
	remainingArgs := fs.Args()
	if len(remainingArgs) > 0 {
		if !strings.HasPrefix(remainingArgs[0], "-") {
			subcommand = remainingArgs[0]
			remainingArgs = remainingArgs[1:]
		}
	}

	// Execute the subcommand
	switch subcommand {
	case "serve":
		return serveCommand(ctx, cfg, remainingArgs)
	case "ls":
		return lsCommand(cfg, remainingArgs)
	case "backups":
		return backupsCommand(cfg, remainingArgs)
	case "tui":
		return tuiCommand(ctx, cfg, remainingArgs)
	case "version", "--version", "-v":
		return versionCommand()
	case "help", "--help", "-h":
		printUsage(fs, os.Stdout)
		return nil
	default:
		return fmt.Errorf("unknown command: %s (run 'mangrove help')", subcommand)
	}
}

// serveCommand starts the HTTP API server.
func serveCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("mangrove serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	logger := logging.NewFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.LogTimestamps, cfg.LogCaller)

	store, err := persist.NewStore(cfg.StorageDir,
		persist.WithBackupWindow(cfg.BackupWindow()),
		persist.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	sv := saver.New(store, logger)
	svc := service.New(store, sv, logger)
	svc.SetAutoSave(cfg.AutoSave)
	if err := svc.LoadAll(); err != nil {
		return fmt.Errorf("loading trees: %w", err)
	}

	logger.Info("starting server",
		"addr", cfg.ListenAddr,
		"storage", store.Dir(),
		"trees", len(svc.ListTrees()),
		"autosave", cfg.AutoSave)

	server := web.NewServer(svc, cfg.ListenAddr, cfg.CORSOrigin, logger)
	serveErr := server.ListenAndServe(ctx, cfg.ShutdownTimeout())

	// Flush pending writes regardless of how the server stopped.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := svc.Shutdown(flushCtx); err != nil {
		logger.Error("shutdown flush failed", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

// lsCommand lists stored trees with task counts and progress.
func lsCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("mangrove ls", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "Show more details")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	store, err := persist.NewStore(cfg.StorageDir, persist.WithBackupWindow(cfg.BackupWindow()))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	ids, err := store.ListTrees()
	if err != nil {
		return fmt.Errorf("listing trees: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No trees found in", store.Dir())
		return nil
	}

	for _, id := range ids {
		root, err := store.Load(id)
		if err != nil {
			fmt.Printf("  %-24s (unreadable: %v)\n", id, err)
			continue
		}
		stats := root.ComputeStats()
		fmt.Printf("  %-24s %3d tasks  %3.0f%% done\n", id, stats.TotalTasks, stats.Progress*100)
		if *verbose {
			fmt.Printf("    root: %s\n", root.Title)
			for _, b := range store.Backups(id) {
				fmt.Printf("    backup: %s (%s, %s)\n", b.Name, ui.FormatSize(b.Size), b.ModTime.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// backupsCommand shows backup status or prunes old backups.
func backupsCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("mangrove backups", flag.ContinueOnError)
	cleanup := fs.Bool("cleanup", false, "Delete old backups instead of listing them")
	treeID := fs.String("tree", "", "Limit to a single tree id")
	keep := fs.Int("keep", -1, "Keep the newest N backups per tree")
	olderThan := fs.Int("older-than", 0, "Delete backups older than N days")
	dryRun := fs.Bool("dry-run", false, "Report what would be deleted without deleting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	store, err := persist.NewStore(cfg.StorageDir, persist.WithBackupWindow(cfg.BackupWindow()))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	if !*cleanup {
		return printBackupStatus(store, *treeID)
	}

	// Fall back to configured retention when no explicit policy given.
	if *keep < 0 && *olderThan <= 0 {
		*keep = cfg.KeepPerTree
		*olderThan = cfg.OlderThanDays
	}

	removed, err := store.CleanupBackups(persist.CleanupOptions{
		TreeID:      *treeID,
		KeepPerTree: *keep,
		OlderThan:   time.Duration(*olderThan) * 24 * time.Hour,
		DryRun:      *dryRun,
	})
	if err != nil {
		return fmt.Errorf("cleaning backups: %w", err)
	}
	if *dryRun {
		fmt.Printf("Would delete %d backup(s)\n", removed)
	} else {
		fmt.Printf("Deleted %d backup(s)\n", removed)
	}
	return nil
}

// printBackupStatus lists backups per tree, newest first.
func printBackupStatus(store *persist.Store, treeID string) error {
	ids := store.TreeIDsWithBackups()
	if treeID != "" {
		ids = []string{treeID}
	}
	if len(ids) == 0 {
		fmt.Println("No backups found in", store.Dir())
		return nil
	}

	for _, id := range ids {
		backups := store.Backups(id)
		var total int64
		for _, b := range backups {
			total += b.Size
		}
		fmt.Printf("%s: %d backup(s), %s\n", id, len(backups), ui.FormatSize(total))
		for _, b := range backups {
			fmt.Printf("  %s  %8s  %s\n", b.Name, ui.FormatSize(b.Size), b.ModTime.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

// tuiCommand launches the storage terminal UI.
func tuiCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("mangrove tui", flag.ContinueOnError)
	refresh := fs.Int("refresh", int(defaultTUIRefresh/time.Second), "Refresh interval in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if !ui.IsTTY(os.Stdout) {
		return fmt.Errorf("tui requires a terminal (stdout is not a TTY)")
	}

	store, err := persist.NewStore(cfg.StorageDir, persist.WithBackupWindow(cfg.BackupWindow()))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	return ui.RunTUI(ctx, store, time.Duration(*refresh)*time.Second)
}

// versionCommand prints version information.
func versionCommand() error {
	fmt.Printf("mangrove version %s\n", Version)
	return nil
}

// printUsage prints the usage message.
func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Mangrove - A task tree editor backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  mangrove [command] [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the HTTP API server (default command)")
	fmt.Fprintln(w, "  ls            List stored trees")
	fmt.Fprintln(w, "  backups       Show backup status or prune old backups")
	fmt.Fprintln(w, "  tui           Launch the storage terminal UI")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w, "  help          Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ls Options (use with 'ls' command):")
	fmt.Fprintln(w, "  -v    Show backups per tree")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Backups Options (use with 'backups' command):")
	fmt.Fprintln(w, "  -cleanup")
	fmt.Fprintln(w, "        Delete old backups instead of listing them")
	fmt.Fprintln(w, "  -tree string")
	fmt.Fprintln(w, "        Limit to a single tree id")
	fmt.Fprintln(w, "  -keep int")
	fmt.Fprintln(w, "        Keep the newest N backups per tree")
	fmt.Fprintln(w, "  -older-than int")
	fmt.Fprintln(w, "        Delete backups older than N days")
	fmt.Fprintln(w, "  -dry-run")
	fmt.Fprintln(w, "        Report what would be deleted without deleting")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tui Options (use with 'tui' command):")
	fmt.Fprintln(w, "  -refresh int")
	fmt.Fprintln(w, "        Refresh interval in seconds (default 2)")
}
