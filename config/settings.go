package config

import (
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/utils"
)

// WorkflowSettings carries the env-driven knobs of the approval workflow.
//
// Env:
//   - REMINDER_INTERVAL_MINUTES (default 15)
//   - REMINDER_MAX_COUNT (default 3)
//   - REMINDER_POLL_SECONDS (default 30)
//   - REMINDER_STATE=memory|redis (default memory)
//   - SUPERVISOR_CHECKPOINTS="1,2" inserts supervisor levels for every brand
//   - NOTICE_TOPIC, NOTICE_FALLBACK_RECIPIENT
//   - SNAPSHOT_BUCKET, SNAPSHOT_PREFIX
type WorkflowSettings struct {
	ReminderInterval     time.Duration
	ReminderMaxCount     int
	ReminderPollInterval time.Duration
	ReminderState        string
	SupervisorLevels     []int
	NoticeTopic          string
	FallbackRecipient    int
	SnapshotBucket       string
	SnapshotPrefix       string
	OutboxEnabled        bool
}

func LoadWorkflowSettings() WorkflowSettings {
	s := WorkflowSettings{
		ReminderInterval:     time.Duration(intFromEnv("REMINDER_INTERVAL_MINUTES", 15)) * time.Minute,
		ReminderMaxCount:     intFromEnv("REMINDER_MAX_COUNT", 3),
		ReminderPollInterval: time.Duration(intFromEnv("REMINDER_POLL_SECONDS", 30)) * time.Second,
		ReminderState:        stringFromEnv("REMINDER_STATE", "memory"),
		NoticeTopic:          stringFromEnv("NOTICE_TOPIC", ""),
		FallbackRecipient:    intFromEnv("NOTICE_FALLBACK_RECIPIENT", 0),
		SnapshotBucket:       stringFromEnv("SNAPSHOT_BUCKET", ""),
		SnapshotPrefix:       stringFromEnv("SNAPSHOT_PREFIX", "snapshots"),
		OutboxEnabled:        boolFromEnv("NOTICE_OUTBOX_ENABLED", true),
	}
	for _, lvl := range utils.ParseIntList(stringFromEnv("SUPERVISOR_CHECKPOINTS", "")) {
		if lvl == 1 || lvl == 2 {
			s.SupervisorLevels = append(s.SupervisorLevels, lvl)
		}
	}
	s.SupervisorLevels = utils.UniqueSlice(s.SupervisorLevels)
	if s.ReminderMaxCount <= 0 {
		s.ReminderMaxCount = 3
	}
	if s.ReminderInterval <= 0 {
		s.ReminderInterval = 15 * time.Minute
	}
	if s.ReminderPollInterval <= 0 {
		s.ReminderPollInterval = 30 * time.Second
	}
	return s
}
