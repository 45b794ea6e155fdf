package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	taskagent "github.com/Protocol-Lattice/go-taskagent"
	"github.com/Protocol-Lattice/go-taskagent/pkg/config"
	"github.com/Protocol-Lattice/go-taskagent/pkg/intake"
	"github.com/Protocol-Lattice/go-taskagent/pkg/schema"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const usage = `usage: taskagent [--config file] [--json] <command> [flags]

commands:
  add [--due YYYY-MM-DD] <text>   extract a task from text and store it
  add --file <list.md>            add every item of a to-do list
  get <id>                        show one task
  update <id> [field flags]       change fields of a task
  delete <id>... | --all          delete tasks by id, or every task
  find --q <query> [--k N]        semantic search, with the list filters
  list [filters]                  list tasks
  audit [--repair]                compare the record store and the vector index
  reindex [--concurrency N]       re-embed every task
  export [--out file]             write a compressed snapshot
  import [--in file]              load a snapshot (new ids)
  snapshot                        save a snapshot to the configured store
  restore [name]                  load a saved snapshot, newest by default
`

type cli struct {
	svc    *taskagent.Service
	out    io.Writer
	asJSON bool
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to the YAML config file")
	asJSON := flag.Bool("json", false, "Print JSON instead of tables")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	svc, err := config.Build(ctx, cfg, config.NewLogger(cfg.Log, os.Stderr))
	if err != nil {
		log.Fatalf("failed to initialise task agent: %v", err)
	}
	c := &cli{svc: svc, out: os.Stdout, asJSON: *asJSON}
	err = c.run(ctx, flag.Arg(0), flag.Args()[1:])
	if cerr := svc.Close(); cerr != nil {
		log.Printf("close: %v", cerr)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "add":
		return c.add(ctx, args)
	case "get":
		return c.get(ctx, args)
	case "update":
		return c.update(ctx, args)
	case "delete":
		return c.delete(ctx, args)
	case "find":
		return c.find(ctx, args)
	case "list":
		return c.list(ctx, args)
	case "audit":
		return c.audit(ctx, args)
	case "reindex":
		return c.reindex(ctx, args)
	case "export":
		return c.export(ctx, args)
	case "import":
		return c.importSnapshot(ctx, args)
	case "snapshot":
		name, n, err := c.svc.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "saved %d task(s) to %s\n", n, name)
		return nil
	case "restore":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		n, err := c.svc.Restore(ctx, name)
		fmt.Fprintf(c.out, "restored %d task(s)\n", n)
		return err
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func (c *cli) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	due := fs.String("due", "", "Override the extracted due date (YYYY-MM-DD)")
	file := fs.String("file", "", "Plain-text or Markdown list, one task per item")
	concurrency := fs.Int("concurrency", 4, "Parallel extractions when adding from a file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file != "" {
		return c.addFile(ctx, *file, *concurrency)
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("add needs the task text")
	}
	if *due != "" {
		if _, err := schema.ParseDate(*due); err != nil {
			return err
		}
	}

	rec, ex, err := c.svc.Ingest(ctx, text)
	if err != nil {
		return err
	}
	if *due != "" {
		if rec, err = c.svc.Patch(ctx, rec.ID, task.Patch{DueDate: due}); err != nil {
			return err
		}
	}
	if ex.Degraded {
		fmt.Fprintf(os.Stderr, "warning: extraction fell back after %d attempt(s); stored a minimal task\n", ex.Attempts)
	}
	return c.printRecords([]task.Record{rec})
}

func (c *cli) addFile(ctx context.Context, path string, concurrency int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	items, err := intake.Split(f)
	f.Close()
	if err != nil {
		return err
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}

	var (
		recs []task.Record
		errs []error
	)
	done := string(task.StatusDone)
	for i, res := range c.svc.IngestBatch(ctx, texts, concurrency) {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w", path, items[i].Line, res.Err))
			continue
		}
		rec := res.Record
		if items[i].Done && rec.Status != task.StatusDone {
			if rec, err = c.svc.Patch(ctx, rec.ID, task.Patch{Status: &done}); err != nil {
				errs = append(errs, fmt.Errorf("%s:%d: %w", path, items[i].Line, err))
				continue
			}
		}
		recs = append(recs, rec)
	}
	if err := c.printRecords(recs); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (c *cli) get(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	rec, err := c.svc.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.printRecords([]task.Record{rec})
}

func (c *cli) update(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	fs.String("title", "", "New title")
	fs.String("description", "", "New description")
	fs.String("category", "", "New category")
	fs.String("priority", "", "New priority")
	fs.String("status", "", "New status")
	fs.String("due", "", "New due date (YYYY-MM-DD)")
	fs.String("deadline", "", "New free-text deadline")
	clearDue := fs.Bool("clear-due", false, "Remove the due date")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	p := patchFromFlags(fs)
	p.ClearDueDate = *clearDue
	if p.Empty() {
		return errors.New("update needs at least one field flag")
	}
	rec, err := c.svc.Patch(ctx, id, p)
	if err != nil {
		return err
	}
	return c.printRecords([]task.Record{rec})
}

func (c *cli) delete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	all := fs.Bool("all", false, "Delete every task")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *all {
		n, err := c.svc.Purge(ctx)
		fmt.Fprintf(c.out, "deleted %d task(s)\n", n)
		return err
	}
	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		err := c.svc.Delete(ctx, id)
		switch {
		case err == nil:
			fmt.Fprintf(c.out, "deleted task %d\n", id)
		case errors.Is(err, task.ErrNotFound):
			fmt.Fprintf(c.out, "task %d not found\n", id)
			errs = append(errs, err)
		default:
			fmt.Fprintf(c.out, "task %d: %v\n", id, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *cli) find(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	query := fs.String("q", "", "Search query")
	k := fs.Int("k", 5, "Number of results")
	filter := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := *query
	if q == "" {
		q = strings.Join(fs.Args(), " ")
	}
	f, err := filter()
	if err != nil {
		return err
	}
	hits, err := c.svc.Search(ctx, q, f, *k)
	if err != nil {
		return err
	}
	return c.printHits(hits)
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	filter := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := filter()
	if err != nil {
		return err
	}
	recs, err := c.svc.List(ctx, f)
	if err != nil {
		return err
	}
	return c.printRecords(recs)
}

func (c *cli) audit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	repair := fs.Bool("repair", false, "Re-embed missing vectors and drop orphans")
	if err := fs.Parse(args); err != nil {
		return err
	}
	report, err := c.svc.Audit(ctx)
	if err != nil {
		return err
	}
	if c.asJSON {
		if err := c.printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(c.out, "records: %d  vectors: %d\n", report.Records, report.Vectors)
		fmt.Fprintf(c.out, "missing vectors: %v\norphan vectors: %v\n", report.MissingVectors, report.OrphanVectors)
	}
	if !*repair || report.Consistent() {
		return nil
	}
	fixed, err := c.svc.Reconcile(ctx, report)
	fmt.Fprintf(c.out, "repaired %d entr(ies)\n", fixed)
	return err
}

func (c *cli) reindex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reindex", flag.ContinueOnError)
	concurrency := fs.Int("concurrency", 4, "Parallel embedding calls")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := c.svc.Reindex(ctx, *concurrency)
	fmt.Fprintf(c.out, "reindexed %d task(s)\n", n)
	return err
}

func (c *cli) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w := c.out
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := c.svc.Export(ctx, w)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d task(s)\n", n)
	return nil
}

func (c *cli) importSnapshot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	in := fs.String("in", "", "Input file (default stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	n, err := c.svc.Import(ctx, r)
	fmt.Fprintf(c.out, "imported %d task(s)\n", n)
	return err
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errors.New("missing task id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", args[0])
	}
	return id, nil
}

// parseIDs validates every argument before any of them is used.
func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, errors.New("missing task id (or use --all)")
	}
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID([]string{arg})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// patchFromFlags turns explicitly set string flags into a sparse patch, so an
// empty value still clears a field.
func patchFromFlags(fs *flag.FlagSet) task.Patch {
	var p task.Patch
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "title":
			p.Title = &v
		case "description":
			p.Description = &v
		case "category":
			p.Category = &v
		case "priority":
			p.Priority = &v
		case "status":
			p.Status = &v
		case "due":
			p.DueDate = &v
		case "deadline":
			p.Deadline = &v
		}
	})
	return p
}

// filterFlags registers the shared filter flags and returns a parser for
// their values.
func filterFlags(fs *flag.FlagSet) func() (task.Filter, error) {
	status := fs.String("status", "", "Only tasks with this status")
	priority := fs.String("priority", "", "Only tasks with this priority")
	category := fs.String("category", "", "Only tasks in this category")
	dueFrom := fs.String("due-from", "", "Earliest due date (YYYY-MM-DD)")
	dueTo := fs.String("due-to", "", "Latest due date (YYYY-MM-DD)")
	return func() (task.Filter, error) {
		var f task.Filter
		if *status != "" {
			s, ok := task.ParseStatus(*status)
			if !ok {
				return f, fmt.Errorf("unknown status %q", *status)
			}
			f.Status = s
		}
		if *priority != "" {
			p, ok := task.ParsePriority(*priority)
			if !ok {
				return f, fmt.Errorf("unknown priority %q", *priority)
			}
			f.Priority = p
		}
		if *category != "" {
			cat, ok := task.ParseCategory(*category)
			if !ok {
				return f, fmt.Errorf("unknown category %q", *category)
			}
			f.Category = cat
		}
		for _, d := range []struct {
			raw string
			dst **time.Time
		}{{*dueFrom, &f.DueFrom}, {*dueTo, &f.DueTo}} {
			if d.raw == "" {
				continue
			}
			t, err := schema.ParseDate(d.raw)
			if err != nil {
				return f, err
			}
			*d.dst = &t
		}
		return f, nil
	}
}
