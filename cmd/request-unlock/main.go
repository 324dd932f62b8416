// Command request-unlock clears the lock of a request whose holder died
// mid-transition. Locks never expire on their own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/config"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	requestID := flag.Int("request-id", 0, "Required: requests.id to unlock")
	minAge := flag.Duration("min-age", 5*time.Minute, "Refuse locks younger than this")
	dryRun := flag.Bool("dry-run", true, "Show the lock only (no writes)")
	confirm := flag.String("confirm", "", "Type UNLOCK to proceed when dry-run=false")
	flag.Parse()

	if *requestID <= 0 {
		fmt.Fprintln(os.Stderr, "--request-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "UNLOCK" {
		fmt.Fprintln(os.Stderr, "set --confirm=UNLOCK to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	logger := config.GetLogger()
	locks := workflow.NewLockManager(db, logger)

	req, err := models.GetRequest(ctx, db, *requestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	lock, err := locks.Holder(ctx, *requestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read lock: %v\n", err)
		os.Exit(1)
	}
	if lock == nil {
		fmt.Printf("id=%d status=%s is not locked\n", req.ID, req.Status)
		return
	}
	age := time.Since(lock.At)
	fmt.Printf("id=%d status=%s holder=%d locked_at=%s age=%s\n",
		req.ID, req.Status, lock.HolderId, lock.At.Format("2006-01-02 15:04:05"), age.Truncate(time.Second))

	if *dryRun {
		return
	}
	if age < *minAge {
		fmt.Fprintf(os.Stderr, "lock is younger than --min-age=%s; the holder may still be working\n", *minAge)
		os.Exit(1)
	}

	released, err := locks.ForceRelease(ctx, *requestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unlock failed: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":      "request-unlock",
		"request_id": *requestID,
		"holder_id":  lock.HolderId,
		"released":   released,
	}).Warn("request lock force-released")
	if released {
		fmt.Println("request unlocked")
	} else {
		fmt.Println("lock was already gone")
	}
}
