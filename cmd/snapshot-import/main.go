// Command snapshot-import loads the original dataset of a request from an xlsx
// sheet, or writes an empty template with --template.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bitbucket.org/mmdatafocus/clearance_backend/config"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/snapshot"
	"bitbucket.org/mmdatafocus/clearance_backend/workflow"
)

func main() {
	requestID := flag.Int("request-id", 0, "Required: requests.id the snapshot belongs to")
	file := flag.String("file", "", "Required: xlsx workbook path")
	sheet := flag.String("sheet", "", "Sheet name (default: first sheet)")
	template := flag.Bool("template", false, "Write an empty workbook with the expected headings to --file and exit")
	dryRun := flag.Bool("dry-run", true, "Parse and print totals only (no writes)")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	if *template {
		writeTemplate(*file)
		return
	}
	if *requestID <= 0 {
		fmt.Fprintln(os.Stderr, "--request-id is required")
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	snap, err := snapshot.ReadWorkbook(f, *sheet)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read workbook: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("rows=%d total=%s\n", len(snap.Rows), snap.Total().StringFixed(2))
	if *dryRun {
		return
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	req, err := models.GetRequest(ctx, db, *requestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	if req.Status.IsTerminal() {
		fmt.Fprintf(os.Stderr, "request %d is %s\n", req.ID, req.Status)
		os.Exit(1)
	}

	var store workflow.SnapshotStore = snapshot.NewGormStore(db)
	settings := config.LoadWorkflowSettings()
	if settings.SnapshotBucket != "" {
		client, err := config.GetStorageClient(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "storage client: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()
		store = snapshot.NewGCSStore(client, settings.SnapshotBucket, settings.SnapshotPrefix)
	}
	if err := store.SaveOriginal(ctx, req.ID, snap, "xlsx:"+filepath.Base(*file)); err != nil {
		fmt.Fprintf(os.Stderr, "save: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("original snapshot stored for request %d\n", req.ID)
}

func writeTemplate(path string) {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		os.Exit(1)
	}
	if err := snapshot.WriteWorkbook(f, models.Snapshot{}); err != nil {
		_ = f.Close()
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("template written to %s\n", path)
}
