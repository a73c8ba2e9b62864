// Command paccat prints files from pacman packages without installing
// them. Targets name packages, package files or urls; everything after
// the targets (or after --) names the files to print.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Morganamilo/paccat/internal/logger"
	"github.com/Morganamilo/paccat/internal/pipeline"
)

var (
	logLevel string

	regex      bool
	allMatches bool
	quiet      bool
	binary     bool
	filesDB    bool
	localDB    bool
	refresh    int

	rootDir    string
	dbPath     string
	configFile string
	cacheDir   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := executeRoot(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	stop()
	os.Exit(code)
}

func executeRoot(ctx context.Context) (int, error) {
	// With the default disposition the runtime re-raises SIGPIPE for
	// writes to stdout and the process dies before the EPIPE error is
	// ever seen. Ignoring it lets the write fail and the emission loop
	// stop gracefully.
	signal.Ignore(syscall.SIGPIPE)

	exitCode := 0
	cmd := createRootCommand()
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		code, err := runRoot(ctx, cmd, args)
		exitCode = code
		return err
	}
	if err := cmd.ExecuteContext(ctx); err != nil {
		return exitCode, err
	}
	return exitCode, nil
}

func createRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paccat [options] <target> [targets] -- <file> [files]",
		Short: "Print pacman package files",
		Long: `Print files from pacman packages to stdout.

A target is a package name, a repo/name pair, a package file on disk or
a url to a package file. Files are matched by name, by path suffix or,
with --regex, by regular expression against the full in-archive path.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := resolveRequestedLogLevel(cmd)
			if level == "" {
				level = "warn"
			}
			z, err := logger.Setup(level)
			if err != nil {
				return err
			}
			logger.Init(z)
			return nil
		},
	}
	addRootFlags(cmd.Flags())
	return cmd
}

func addRootFlags(flags *pflag.FlagSet) {
	flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	flags.BoolVarP(&regex, "regex", "x", false, "treat file arguments as regular expressions")
	flags.BoolVarP(&allMatches, "all", "a", false, "print every match instead of the first per target")
	flags.BoolVarP(&quiet, "quiet", "q", false, "print matching file paths instead of content")
	flags.BoolVar(&binary, "binary", false, "print binary files to the terminal")
	flags.BoolVarP(&filesDB, "files", "F", false, "search the sync file databases")
	flags.BoolVarP(&localDB, "query", "Q", false, "search the installed package database")
	flags.CountVarP(&refresh, "refresh", "y", "refresh the databases first (-yy forces it)")

	flags.StringVarP(&rootDir, "root", "r", "", "alternative installation root")
	flags.StringVarP(&dbPath, "dbpath", "b", "", "alternative database location")
	flags.StringVar(&configFile, "config", "", "alternative pacman.conf")
	flags.StringVar(&cacheDir, "cachedir", "", "alternative package cache location")
}

// resolveRequestedLogLevel prefers an explicit --log-level over the
// --verbose shorthand.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd == nil {
		return ""
	}
	if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
		return "debug"
	}
	return ""
}

func runRoot(ctx context.Context, cmd *cobra.Command, args []string) (int, error) {
	if filesDB && localDB {
		return 1, errors.New("--files and --query are mutually exclusive")
	}

	targets, files := splitArgs(args, cmd.ArgsLenAtDash(), filesDB || localDB)

	code, err := pipeline.Execute(ctx, pipeline.Options{
		Targets:    targets,
		Patterns:   files,
		Regex:      regex,
		All:        allMatches,
		Quiet:      quiet,
		Binary:     binary,
		FilesDB:    filesDB,
		LocalDB:    localDB,
		Refresh:    refresh,
		Root:       rootDir,
		DBPath:     dbPath,
		ConfPath:   configFile,
		CacheDir:   cacheDir,
		Stdout:     os.Stdout,
		IsTerminal: term.IsTerminal(int(os.Stdout.Fd())),
	})
	if err != nil {
		return code, err
	}
	return code, nil
}

// splitArgs separates targets from file patterns. An explicit -- wins;
// in database search mode every argument is a file pattern; otherwise
// the first argument is the single target.
func splitArgs(args []string, dash int, queryMode bool) (targets, files []string) {
	if dash >= 0 {
		if dash > 0 {
			targets = args[:dash]
		}
		if dash < len(args) {
			files = args[dash:]
		}
		return targets, files
	}
	if queryMode {
		return nil, args
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args[:1], args[1:]
}
