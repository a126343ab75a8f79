// Command auditctl is the device-side tool for the audit platform. It keeps drafts and
// queued photos in a local SQLite file so inspections can continue without a network,
// and syncs them to the server on "finish" and "flush".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/client"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/offline"
	"github.com/audit-platform/audit-platform/internal/telemetry"
)

const usage = `usage: auditctl <command> [args]

commands:
  drafts                     list local drafts
  show <auditId>             print a local draft as JSON
  save <file.json>           store a draft locally and mirror it to the server
  delete <auditId>           discard a local draft
  score <auditId>            preview the score of a local draft
  queue <auditId> <photo> [itemId]
                             compress and queue a photo for upload, optionally
                             attaching it to an item of the local draft
  media <auditId>            list queued photos of an audit
  finish <auditId>           complete on the server, then upload queued photos
  flush [auditId]            retry pending and failed uploads
`

type app struct {
	cfg    *config.Config
	store  *offline.Store
	drafts *offline.DraftStore
	queue  *offline.MediaQueue
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env: %v", err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLoggerTo(os.Stderr, "text", cfg.Logging.Level)

	store, err := offline.Open(cfg.Client.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	a := &app{
		cfg:    cfg,
		store:  store,
		drafts: offline.NewDraftStore(store),
		queue: offline.NewMediaQueue(store, offline.CompressOptions{
			MaxDimension: cfg.Client.MediaMaxDimension,
			Quality:      cfg.Client.MediaJPEGQuality,
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "drafts":
		return a.listDrafts(ctx)
	case "show":
		return a.withDraft(ctx, args, func(d *audits.Audit) error { return printJSON(d) })
	case "save":
		if len(args) != 1 {
			return errors.New("usage: auditctl save <file.json>")
		}
		return a.save(ctx, args[0])
	case "delete":
		if len(args) != 1 {
			return errors.New("usage: auditctl delete <auditId>")
		}
		return a.drafts.DeleteDraft(ctx, args[0])
	case "score":
		return a.withDraft(ctx, args, func(d *audits.Audit) error {
			return printJSON(client.PreviewScore(d))
		})
	case "queue":
		if len(args) != 2 && len(args) != 3 {
			return errors.New("usage: auditctl queue <auditId> <photo> [itemId]")
		}
		var itemID string
		if len(args) == 3 {
			itemID = args[2]
		}
		return a.queuePhoto(ctx, args[0], args[1], itemID)
	case "media":
		if len(args) != 1 {
			return errors.New("usage: auditctl media <auditId>")
		}
		return a.listMedia(ctx, args[0])
	case "finish":
		if len(args) != 1 {
			return errors.New("usage: auditctl finish <auditId>")
		}
		return a.finish(ctx, args[0])
	case "flush":
		auditID := ""
		if len(args) > 0 {
			auditID = args[0]
		}
		return a.flush(ctx, auditID)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (a *app) syncer() *client.Syncer {
	c := client.New(a.cfg.Client.ServerURL, a.cfg.Client.Token, a.cfg.Client.RequestTimeout)
	return client.NewSyncer(c, a.drafts, a.queue)
}

func (a *app) withDraft(ctx context.Context, args []string, fn func(*audits.Audit) error) error {
	if len(args) != 1 {
		return errors.New("an audit id is required")
	}
	d, ok, err := a.drafts.GetDraft(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no local draft for audit %s", args[0])
	}
	return fn(d)
}

func (a *app) listDrafts(ctx context.Context) error {
	drafts, err := a.drafts.GetAllDrafts(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AUDIT\tSITE\tTEMPLATE\tITEMS\tSTARTED")
	for _, d := range drafts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.AuditID, d.SiteID, d.TemplateID, len(d.Items), d.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// save stores the draft locally first; a failed mirror leaves the local copy in place.
func (a *app) save(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var d audits.Audit
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("invalid draft file: %w", err)
	}
	if d.AuditID == "" {
		return errors.New("draft has no auditId")
	}
	if d.Status == "" {
		d.Status = audits.StatusDraft
	}
	if d.Items == nil {
		d.Items = []audits.AuditItem{}
	}
	if err := a.drafts.Put(ctx, &d); err != nil {
		return err
	}

	c := client.New(a.cfg.Client.ServerURL, a.cfg.Client.Token, a.cfg.Client.RequestTimeout)
	if _, err := c.SaveDraft(ctx, &d); err != nil {
		slog.Warn("draft saved locally but not mirrored", "audit_id", d.AuditID, "error", err)
		return nil
	}
	fmt.Printf("Saved draft %s\n", d.AuditID)
	return nil
}

// queuePhoto queues a photo and, when itemID is set, references it from that item of
// the local draft. The item is checked before anything is queued.
func (a *app) queuePhoto(ctx context.Context, auditID, path, itemID string) error {
	if itemID != "" {
		d, ok, err := a.drafts.GetDraft(ctx, auditID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no local draft for audit %s", auditID)
		}
		if !slices.ContainsFunc(d.Items, func(it audits.AuditItem) bool { return it.ID == itemID }) {
			return fmt.Errorf("audit %s has no item %s", auditID, itemID)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	id, err := a.queue.QueueMedia(ctx, auditID, data, mime.TypeByExtension(filepath.Ext(path)))
	if err != nil {
		return err
	}
	if itemID != "" {
		if err := a.drafts.AttachPhoto(ctx, auditID, itemID, id); err != nil {
			return fmt.Errorf("photo %s queued but not attached: %w", id, err)
		}
	}
	fmt.Println(id)
	return nil
}

func (a *app) listMedia(ctx context.Context, auditID string) error {
	items, err := a.queue.GetQueueForAudit(ctx, auditID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MEDIA\tTYPE\tSIZE\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", it.MediaID, it.ContentType, it.Size, it.Status, it.Attempts, it.LastError)
	}
	return w.Flush()
}

func (a *app) finish(ctx context.Context, auditID string) error {
	res, err := a.syncer().FinishAudit(ctx, auditID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", res.Completion.Message, res.Completion.Path)
	fmt.Printf("Media: %d uploaded, %d failed\n", res.Flush.Uploaded, res.Flush.Failed)
	return nil
}

func (a *app) flush(ctx context.Context, auditID string) error {
	res, err := a.syncer().FlushMedia(ctx, auditID)
	if err != nil {
		return err
	}
	fmt.Printf("Media: %d uploaded, %d failed\n", res.Uploaded, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d upload(s) failed and remain queued", res.Failed)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
