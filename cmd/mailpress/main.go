// Command mailpress archives a mailbox: it downloads messages over
// IMAP, consolidates them into size-bounded composite archives grouped
// by correspondent and year, and appends the archives back to a
// dedicated remote folder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/lqian/mailpress/internal/concentrate"
	"github.com/lqian/mailpress/internal/credential"
	"github.com/lqian/mailpress/internal/download"
	"github.com/lqian/mailpress/internal/identity"
	"github.com/lqian/mailpress/internal/imapx"
	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/internal/report"
	"github.com/lqian/mailpress/internal/store"
	"github.com/lqian/mailpress/internal/syncwin"
	"github.com/lqian/mailpress/internal/upload"
)

const usage = `mailpress archives a mailbox into composite per-correspondent bundles.

Usage: mailpress <command> [flags]

Commands:
  download      fetch messages from the remote mailbox
  concentrate   fold downloaded messages into composite archives
  upload        append pending archives to the remote archive folder
  flush         empty the remote archive folder
  search        search consolidated archives
  stats         per-year statistics of the local corpus
  reset         clear consolidation or upload state
  set-password  store the IMAP password in the system keyring

Run 'mailpress <command> --help' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "download":
		err = runDownload(ctx, log, os.Args[2:])
	case "concentrate":
		err = runConcentrate(ctx, log, os.Args[2:])
	case "upload":
		err = runUpload(ctx, log, os.Args[2:])
	case "flush":
		err = runFlush(log, os.Args[2:])
	case "search":
		err = runSearch(ctx, os.Args[2:])
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "reset":
		err = runReset(ctx, os.Args[2:])
	case "set-password":
		err = runSetPassword(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// commonFlags registers the flags every command shares and returns the
// config path and verbosity destinations.
func commonFlags(fs *flag.FlagSet) (configPath *string, verbose *bool) {
	configPath = fs.StringP("config", "c", model.DefaultConfigPath(), "path to config file")
	verbose = fs.BoolP("verbose", "v", false, "debug logging")
	return
}

func setup(log *logrus.Logger, configPath string, verbose bool) (*model.AppConfig, error) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.IMAP.Password == "" {
		if pw, err := credential.Get(credential.PasswordKey); err == nil {
			cfg.IMAP.Password = pw
		}
	}
	return cfg, nil
}

func openStore(cfg *model.AppConfig) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath()), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStore(cfg.DatabasePath())
}

func dial(cfg *model.AppConfig) (*imapx.Client, error) {
	return imapx.Dial(imapx.Config{
		Server:   cfg.IMAP.Server,
		Port:     cfg.IMAP.Port,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
	})
}

func newResolver(cfg *model.AppConfig, s store.Store, log *logrus.Logger) *identity.Resolver {
	var breaker identity.TieBreaker
	if cfg.Oracle.URL != "" {
		breaker = identity.NewOllamaTieBreaker(cfg.Oracle.URL, cfg.Oracle.Model)
	}
	return identity.NewResolver(s, breaker, log)
}

func runDownload(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	folder := fs.String("folder", "INBOX", "mailbox folder to fetch from")
	since := fs.String("since", "", "start date (YYYY-MM-DD), disables resume")
	before := fs.String("before", "", "end date (YYYY-MM-DD), exclusive")
	month := fs.String("month", "", "fetch one calendar month (YYYY-MM)")
	includeSent := fs.Bool("include-sent", false, "also fetch the sent folder")
	removeKnown := fs.Bool("remove-known", false, "delete remote messages already stored locally")
	limit := fs.Int("limit", 0, "stop after storing this many new messages (0 = unlimited)")
	batch := fs.Bool("batch", false, "catch-up mode: walk months from --start-from (or the resume point) through today")
	startFrom := fs.String("start-from", "", "earliest month a batch run may begin at (YYYY-MM)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(log, *configPath, *verbose)
	if err != nil {
		return err
	}

	var req syncwin.Request
	if *since != "" {
		if req.Since, err = time.Parse("2006-01-02", *since); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}
	if *before != "" {
		if req.Before, err = time.Parse("2006-01-02", *before); err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
	}
	if *month != "" {
		if req.Month, err = time.Parse("2006-01", *month); err != nil {
			return fmt.Errorf("invalid --month: %w", err)
		}
	}
	var batchStart time.Time
	if *startFrom != "" {
		if batchStart, err = time.Parse("2006-01", *startFrom); err != nil {
			return fmt.Errorf("invalid --start-from: %w", err)
		}
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	d := download.New(client, s, newResolver(cfg, s, log), cfg, log)
	return d.Run(ctx, download.Options{
		Folder:      *folder,
		Window:      req,
		IncludeSent: *includeSent,
		RemoveKnown: *removeKnown,
		Limit:       *limit,
		Batch:       *batch,
		StartFrom:   batchStart,
	})
}

func runConcentrate(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("concentrate", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	startYear := fs.Int("start-year", 0, "first year to process (0 = unbounded)")
	endYear := fs.Int("end-year", 0, "last year to process (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(log, *configPath, *verbose)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	splitter := concentrate.NewSplitter(cfg.Split, filepath.Join(cfg.DataDir, "split"), log)
	c := concentrate.New(s, newResolver(cfg, s, log), splitter, cfg, log)
	return c.Run(ctx, *startYear, *endYear)
}

func runUpload(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	interactive := fs.BoolP("interactive", "i", false, "ask before giving up on a failed upload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(log, *configPath, *verbose)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	u := upload.New(client, s, cfg, log)
	if *interactive {
		u.Interactive(os.Stdin, os.Stderr)
	}
	return u.Run(ctx)
}

func runFlush(log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	yes := fs.BoolP("yes", "y", false, "skip confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(log, *configPath, *verbose)
	if err != nil {
		return err
	}

	if !*yes {
		fmt.Printf("Delete every message in %q? [y/N] ", cfg.Archive.Folder)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}

	client, err := dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.FlushFolder(cfg.Archive.Folder)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"folder": cfg.Archive.Folder,
		"count":  n,
	}).Info("folder flushed")
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: mailpress search <query>")
	}

	cfg, err := setup(logrus.New(), *configPath, *verbose)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	hits, err := report.Search(ctx, s, fs.Arg(0))
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, h := range hits {
		date := h.Entry.DateISO
		if date == "" {
			date = h.Entry.Date
		}
		fmt.Printf("%s  %s\n    in %s\n", date, h.Entry.Subject, h.ArchiveTitle)
	}
	fmt.Printf("%d matches\n", len(hits))
	return nil
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(logrus.New(), *configPath, *verbose)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := report.Stats(ctx, s)
	if err != nil {
		return err
	}
	var totalMsgs int
	var totalBytes int64
	for _, st := range stats {
		year := fmt.Sprintf("%d", st.Year)
		if st.Year == 0 {
			year = "????"
		}
		fmt.Printf("%s  %6d messages  %10d bytes\n", year, st.Messages, st.Bytes)
		totalMsgs += st.Messages
		totalBytes += st.Bytes
	}
	fmt.Printf("total %5d messages  %10d bytes\n", totalMsgs, totalBytes)
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath, verbose := commonFlags(fs)
	uploads := fs.Bool("uploads", false, "clear the uploaded flag on every archive")
	consolidation := fs.Bool("consolidation", false, "delete archive records and unmark every email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*uploads && !*consolidation {
		return fmt.Errorf("nothing to reset: pass --uploads and/or --consolidation")
	}

	cfg, err := setup(logrus.New(), *configPath, *verbose)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if *consolidation {
		if err := concentrate.Reset(ctx, s, cfg); err != nil {
			return err
		}
		fmt.Println("consolidation state and artifacts cleared")
	}
	if *uploads {
		if err := s.ResetUploads(ctx); err != nil {
			return err
		}
		fmt.Println("upload flags cleared")
	}
	return nil
}

func runSetPassword(args []string) error {
	fs := flag.NewFlagSet("set-password", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mailpress set-password <password>")
	}
	if err := credential.Set(credential.PasswordKey, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Println("password stored in system keyring")
	return nil
}
