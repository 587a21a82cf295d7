// Command queuectl inspects and edits a sendqueue queue file, SQLite or
// bolt. Stop
// the service first: the service rewrites the whole queue on every change
// and would overwrite edits made here.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"sendqueue/internal/constants"
	"sendqueue/internal/models"
	"sendqueue/internal/privacy"
	"sendqueue/internal/storage"
	"sendqueue/internal/validation"

	"github.com/sirupsen/logrus"
)

var errUsage = errors.New("usage")

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		logger.WithError(err).Error("queuectl failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("queuectl", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", constants.DefaultStoragePath, "Path to the queue database file")
	driver := fs.String("driver", constants.StorageDriverSQLite, "Storage driver of the file: sqlite or bolt")
	key := fs.String("key", constants.DefaultQueueKey, "Queue key inside the database")
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: queuectl [-db path] [-driver sqlite|bolt] [-key key] <list|keys|discard -id ID|requeue>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	switch *driver {
	case constants.StorageDriverSQLite, constants.StorageDriverBolt:
	default:
		fmt.Fprintf(out, "unsupported driver %q\n", *driver)
		return errUsage
	}

	if _, err := os.Stat(*dbPath); err != nil {
		return fmt.Errorf("database file not found: %s", *dbPath)
	}

	db, err := storage.Open(models.StorageConfig{Driver: *driver, Path: *dbPath, Key: *key})
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd := fs.Arg(0); cmd {
	case "list":
		return listEntries(ctx, db, out)
	case "keys":
		return listKeys(ctx, db, out)
	case "discard":
		sub := flag.NewFlagSet("discard", flag.ContinueOnError)
		sub.SetOutput(out)
		id := sub.String("id", "", "Id of the entry to remove")
		if err := sub.Parse(fs.Args()[1:]); err != nil || *id == "" {
			fmt.Fprintln(out, "usage: queuectl discard -id ID")
			return errUsage
		}
		if err := validation.ValidateEntryID(*id); err != nil {
			return err
		}
		return discardEntry(ctx, db, *id, out)
	case "requeue":
		return requeueFailed(ctx, db, out)
	default:
		fmt.Fprintf(out, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
}

func listEntries(ctx context.Context, db storage.Store, out io.Writer) error {
	entries, err := db.Load(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tCHAT\tCONTENT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Status, e.CreatedAt.Format(time.RFC3339), privacy.MaskChatID(e.ChatTarget),
			privacy.ContentSummary(e.Text, e.Photo, e.Position), e.Error)
	}
	return tw.Flush()
}

func listKeys(ctx context.Context, db storage.Store, out io.Writer) error {
	lister, ok := db.(storage.KeyLister)
	if !ok {
		return fmt.Errorf("store does not list keys")
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

func discardEntry(ctx context.Context, db storage.Store, id string, out io.Writer) error {
	entries, err := db.Load(ctx)
	if err != nil {
		return err
	}

	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("no queued message with id %s", id)
	}

	if err := db.Save(ctx, kept); err != nil {
		return err
	}
	fmt.Fprintf(out, "discarded %s, %d left\n", id, len(kept))
	return nil
}

// requeueFailed turns error entries back into pending ones so the next
// drain picks them up with a clean error field.
func requeueFailed(ctx context.Context, db storage.Store, out io.Writer) error {
	entries, err := db.Load(ctx)
	if err != nil {
		return err
	}

	changed := 0
	for i := range entries {
		if entries[i].Status == models.StatusError {
			entries[i].Status = models.StatusPending
			entries[i].Error = ""
			changed++
		}
	}
	if changed == 0 {
		fmt.Fprintln(out, "no failed entries")
		return nil
	}

	if err := db.Save(ctx, entries); err != nil {
		return err
	}
	fmt.Fprintf(out, "requeued %d entries\n", changed)
	return nil
}
