package models

import (
	"errors"
	"strings"
)

type RequestType string

const (
	RequestTypeNormal RequestType = "NORMAL"
	RequestTypeSet    RequestType = "SET"
)

func (t RequestType) IsValid() bool {
	return t == RequestTypeNormal || t == RequestTypeSet
}

type RequestStatus string

const (
	RequestStatusPendingLeaderReview RequestStatus = "PENDING_LEADER_REVIEW"
	RequestStatusPendingStage1       RequestStatus = "PENDING_STAGE1"
	RequestStatusStage1Approved      RequestStatus = "STAGE1_APPROVED"
	RequestStatusPendingStage2       RequestStatus = "PENDING_STAGE2"
	RequestStatusPendingSupervisor1  RequestStatus = "PENDING_SUPERVISOR_1"
	RequestStatusPendingSupervisor2  RequestStatus = "PENDING_SUPERVISOR_2"
	RequestStatusStage2Approved      RequestStatus = "STAGE2_APPROVED"
	RequestStatusFinalApproved       RequestStatus = "FINAL_APPROVED"
	RequestStatusCancelled           RequestStatus = "CANCELLED"
	RequestStatusRejected            RequestStatus = "REJECTED"
	RequestStatusDebtMarked          RequestStatus = "DEBT_MARKED"
)

// OpenStatuses lists every status that still waits on a worker, in pipeline order.
var OpenStatuses = []RequestStatus{
	RequestStatusPendingLeaderReview,
	RequestStatusPendingStage1,
	RequestStatusStage1Approved,
	RequestStatusPendingStage2,
	RequestStatusPendingSupervisor1,
	RequestStatusPendingSupervisor2,
	RequestStatusStage2Approved,
}

var TerminalStatuses = []RequestStatus{
	RequestStatusFinalApproved,
	RequestStatusCancelled,
	RequestStatusRejected,
	RequestStatusDebtMarked,
}

func (s RequestStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

func (s RequestStatus) IsOpen() bool {
	for _, o := range OpenStatuses {
		if s == o {
			return true
		}
	}
	return false
}

func (s RequestStatus) IsValid() bool {
	return s.IsOpen() || s.IsTerminal()
}

// Stage returns the checkpoint that owns an open status.
func (s RequestStatus) Stage() (Stage, bool) {
	switch s {
	case RequestStatusPendingLeaderReview:
		return StageLeader, true
	case RequestStatusPendingStage1:
		return StageCashier, true
	case RequestStatusStage1Approved, RequestStatusPendingStage2:
		return StageOperator, true
	case RequestStatusPendingSupervisor1:
		return StageSupervisor1, true
	case RequestStatusPendingSupervisor2:
		return StageSupervisor2, true
	case RequestStatusStage2Approved:
		return StageFinal, true
	}
	return "", false
}

func ParseRequestStatus(v string) (RequestStatus, error) {
	s := RequestStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", errors.New("invalid request status")
	}
	return s, nil
}

type Stage string

const (
	StageLeader      Stage = "LEADER"
	StageCashier     Stage = "CASHIER"
	StageOperator    Stage = "OPERATOR"
	StageSupervisor1 Stage = "SUPERVISOR_1"
	StageSupervisor2 Stage = "SUPERVISOR_2"
	StageFinal       Stage = "FINAL"
)

// BindsToBranch reports whether explicit bindings for the stage are per branch.
// Every other stage binds per brand.
func (s Stage) BindsToBranch() bool {
	return s == StageCashier
}

func (s Stage) IsValid() bool {
	switch s {
	case StageLeader, StageCashier, StageOperator, StageSupervisor1, StageSupervisor2, StageFinal:
		return true
	}
	return false
}

// Action is what a worker asks the state machine to do.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
)

func ParseAction(v string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(v))); a {
	case ActionApprove, ActionReject, ActionCancel:
		return a, nil
	}
	return "", errors.New("invalid action")
}

// LogAction is what the audit trail records.
type LogAction string

const (
	LogActionApproved   LogAction = "approved"
	LogActionReversed   LogAction = "reversed"
	LogActionFlagged    LogAction = "flagged"
	LogActionRejected   LogAction = "rejected"
	LogActionCancelled  LogAction = "cancelled"
	LogActionDebtMarked LogAction = "debt_marked"
)
