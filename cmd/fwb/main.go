// Command fwb builds and searches the federal worker index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/ingest"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
)

type options struct {
	configPath   string
	csv          string
	prepare      string
	rebuild      bool
	person       string
	role         string
	agency       string
	or           bool
	prefix       bool
	insert       bool
	entry        uint
	interactive  bool
	status       bool
	snapshotPush bool
	snapshotPull string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("fwb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to config file")
	fs.StringVar(&o.csv, "csv", "", "salary and info CSV files, comma separated, used to regenerate the database")
	fs.StringVar(&o.prepare, "prepare", "", "published salary CSV and output path, comma separated: sort by name and id and rewrite it for -csv")
	fs.BoolVar(&o.rebuild, "t", false, "rebuild the name, role and agency indices from the database")
	fs.StringVar(&o.person, "p", "", "person name to search for")
	fs.StringVar(&o.role, "r", "", "role to search for")
	fs.StringVar(&o.agency, "a", "", "agency to search for")
	fs.BoolVar(&o.or, "or", false, "match any of the given filters instead of all of them")
	fs.BoolVar(&o.prefix, "s", false, "match every name that starts with the given text")
	fs.BoolVar(&o.insert, "n", false, "insert a new worker, read from standard input")
	fs.UintVar(&o.entry, "e", 0, "show the database entry with this number")
	fs.BoolVar(&o.interactive, "i", false, "run the interactive menu")
	fs.BoolVar(&o.status, "status", false, "show the database size, the index files and the last journaled rebuild")
	fs.BoolVar(&o.snapshotPush, "snapshot-push", false, "upload the database and indices as a new snapshot")
	fs.StringVar(&o.snapshotPull, "snapshot-pull", "", `restore the snapshot with this id ("latest" for the newest)`)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", apperrors.ErrInvalidInput, fs.Args())
	}
	return &o, nil
}

func (o *options) csvFiles() (salary, info string, err error) {
	return filePair(o.csv, "-csv needs TWO files: the salary (Remuneracao) one and the info (Cadastro) one")
}

func (o *options) prepareFiles() (raw, out string, err error) {
	return filePair(o.prepare, "-prepare needs TWO files: the published salary CSV and where to write the sorted one")
}

func filePair(value, usage string) (string, string, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", apperrors.New(apperrors.ErrInvalidInput, apperrors.ExitUsage, usage)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func (o *options) query(cfg config.SearchConfig) searcher.Query {
	q := searcher.Query{
		Person: o.person,
		Role:   o.role,
		Agency: o.agency,
		Prefix: o.prefix || cfg.Prefix,
	}
	if o.or || cfg.Or {
		q.Mode = searcher.Or
	}
	return q
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code. Steps run
// in a fixed order: salary file preparation, snapshot pull, CSV import,
// rebuild, insert, entry display, status, search, snapshot push.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return apperrors.ExitOK
		}
		return apperrors.ExitCode(err)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return apperrors.ExitFailure
	}
	logger.SetupWriter(stderr, cfg.Logging.Level, cfg.Logging.Format)

	if o.prepare != "" {
		raw, out, err := o.prepareFiles()
		if err != nil {
			return fail(stderr, "Error preparing the salary CSV", err)
		}
		n, err := ingest.PrepareSalaryFile(ctx, cfg.Ingest, raw, out)
		if err != nil {
			return fail(stderr, "Error preparing the salary CSV", err)
		}
		fmt.Fprintf(stdout, "Sorted %d salary rows into %s\n", n, out)
	}

	if o.snapshotPull != "" {
		id := o.snapshotPull
		if id == "latest" {
			id = ""
		}
		if err := pullSnapshot(ctx, cfg, id, stdout); err != nil {
			return fail(stderr, "Error pulling the snapshot", err)
		}
	}

	a, err := newApp(ctx, cfg, stdin, stdout)
	if err != nil {
		return fail(stderr, "Error opening the database", err)
	}
	defer a.Close()

	if o.interactive {
		if err := a.interactive(ctx, o.prefix || cfg.Search.Prefix); err != nil {
			return fail(stderr, "We got an error during the interactive mode", err)
		}
		return apperrors.ExitOK
	}

	if o.csv != "" {
		salary, info, err := o.csvFiles()
		if err != nil {
			return fail(stderr, "Error parsing the CSV", err)
		}
		if err := a.importCSV(ctx, salary, info); err != nil {
			return fail(stderr, "Error parsing the CSV", err)
		}
	}
	if o.csv != "" || o.rebuild {
		if err := a.rebuild(ctx); err != nil {
			return fail(stderr, "Error reparsing the tries", err)
		}
	}
	if o.insert {
		if err := a.insert(ctx); err != nil {
			return fail(stderr, "Error creating a new entry in the database", err)
		}
	}
	if o.entry > 0 {
		if err := a.showEntry(strconv.FormatUint(uint64(o.entry), 10)); err != nil {
			return fail(stderr, "Error reading the entry", err)
		}
	}
	if o.status {
		if err := a.status(ctx); err != nil {
			return fail(stderr, "Error reading the index status", err)
		}
	}
	if q := o.query(cfg.Search); !q.Empty() {
		if err := a.search(ctx, q); err != nil {
			return fail(stderr, "Error searching the database", err)
		}
	}
	if o.snapshotPush {
		if err := a.pushSnapshot(ctx); err != nil {
			return fail(stderr, "Error pushing the snapshot", err)
		}
	}
	return apperrors.ExitOK
}

func fail(stderr io.Writer, msg string, err error) int {
	slog.Debug("command failed", "error", err)
	fmt.Fprintf(stderr, "%s: %v\n", msg, err)
	return apperrors.ExitCode(err)
}
