package workflow

import (
	"context"
	"errors"
	"sort"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkerDirectory is the read-only view of who may act where.
type WorkerDirectory interface {
	EligibleWorkers(ctx context.Context, stage models.Stage, branchId, brandId int) ([]models.WorkerRef, error)
	OpenAssignmentCount(ctx context.Context, workerId int) (int, error)
}

// ApproverAssignor picks the single current approver of a request at its stage.
//
// Order of preference:
//  1. the current approver, while still eligible
//  2. eligible workers already holding open requests at the same stage and scope
//  3. least recently assigned at the stage, never-assigned first
//
// Ties fall to the lowest open-assignment count, then the lowest worker id.
type ApproverAssignor struct {
	DB        *gorm.DB
	Directory WorkerDirectory
	Logger    *logrus.Logger
}

// Assignment is the outcome of Assign.
type Assignment struct {
	Worker  *models.WorkerRef
	Stage   models.Stage
	Changed bool
}

// IsEligible implements EligibilityChecker.
func (a *ApproverAssignor) IsEligible(ctx context.Context, req *models.Request, stage models.Stage, actorId int) (bool, error) {
	eligible, err := a.Directory.EligibleWorkers(ctx, stage, req.BranchId, req.BrandId)
	if err != nil {
		return false, err
	}
	return findWorker(eligible, actorId) != nil, nil
}

// Resolve chooses the approver for req at stage without writing anything.
func (a *ApproverAssignor) Resolve(ctx context.Context, req *models.Request, stage models.Stage) (*models.WorkerRef, error) {
	eligible, err := a.Directory.EligibleWorkers(ctx, stage, req.BranchId, req.BrandId)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleWorkers
	}

	if req.CurrentApproverId != nil && req.CurrentStage != nil && *req.CurrentStage == stage {
		if w := findWorker(eligible, *req.CurrentApproverId); w != nil {
			return w, nil
		}
	}

	candidates, err := a.stickyCandidates(ctx, req, stage, eligible)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates = eligible
	}
	return a.pick(ctx, stage, candidates)
}

// stickyCandidates keeps eligible workers who already own open requests at the
// same stage and scope, so related requests land on one person.
func (a *ApproverAssignor) stickyCandidates(ctx context.Context, req *models.Request, stage models.Stage, eligible []models.WorkerRef) ([]models.WorkerRef, error) {
	open, err := models.ListOpenRequests(ctx, a.DB, req.ScopeFilter(stage))
	if err != nil {
		return nil, err
	}
	owners := make(map[int]struct{})
	for _, r := range open {
		if r.ID == req.ID || r.CurrentApproverId == nil {
			continue
		}
		owners[*r.CurrentApproverId] = struct{}{}
	}
	var out []models.WorkerRef
	for _, w := range eligible {
		if _, ok := owners[w.ID]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (a *ApproverAssignor) pick(ctx context.Context, stage models.Stage, candidates []models.WorkerRef) (*models.WorkerRef, error) {
	ids := make([]int, len(candidates))
	for i, w := range candidates {
		ids[i] = w.ID
	}
	lastSeq, err := models.LastAssignmentSeq(ctx, a.DB, stage, ids)
	if err != nil {
		return nil, err
	}
	load := make(map[int]int, len(candidates))
	for _, w := range candidates {
		n, err := a.Directory.OpenAssignmentCount(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		load[w.ID] = n
	}

	ordered := append([]models.WorkerRef(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		wi, wj := ordered[i].ID, ordered[j].ID
		if lastSeq[wi] != lastSeq[wj] {
			return lastSeq[wi] < lastSeq[wj]
		}
		if load[wi] != load[wj] {
			return load[wi] < load[wj]
		}
		return wi < wj
	})
	w := ordered[0]
	return &w, nil
}

// Assign resolves and records the approver of req at its current stage.
// With nobody eligible the request is left unassigned and ErrNoEligibleWorkers
// is returned; the caller parks it and alerts the fallback channel.
func (a *ApproverAssignor) Assign(ctx context.Context, req *models.Request) (*Assignment, error) {
	stage, ok := req.Status.Stage()
	if !ok || req.Status.IsTerminal() {
		return &Assignment{}, nil
	}
	out := &Assignment{Stage: stage}

	w, err := a.Resolve(ctx, req, stage)
	if errors.Is(err, ErrNoEligibleWorkers) {
		if req.CurrentApproverId != nil {
			changed, aerr := models.AssignApprover(ctx, a.DB, req, stage, nil)
			if aerr != nil {
				return nil, aerr
			}
			out.Changed = changed
		}
		return out, err
	}
	if err != nil {
		return nil, err
	}
	out.Worker = w
	if req.CurrentApproverId != nil && *req.CurrentApproverId == w.ID {
		return out, nil
	}
	changed, err := models.AssignApprover(ctx, a.DB, req, stage, w)
	if err != nil {
		return nil, err
	}
	out.Changed = changed
	if changed && a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"field":      "ApproverAssignor",
			"request_id": req.ID,
			"stage":      stage,
			"worker_id":  w.ID,
		}).Info("approver assigned")
	}
	return out, nil
}

// Recipients are who a reminder for req goes to: the current approver, or the
// whole eligible group while nobody is assigned.
func (a *ApproverAssignor) Recipients(ctx context.Context, req *models.Request) ([]models.WorkerRef, error) {
	stage, ok := req.Status.Stage()
	if !ok {
		return nil, nil
	}
	eligible, err := a.Directory.EligibleWorkers(ctx, stage, req.BranchId, req.BrandId)
	if err != nil {
		return nil, err
	}
	if req.CurrentApproverId != nil {
		if w := findWorker(eligible, *req.CurrentApproverId); w != nil {
			return []models.WorkerRef{*w}, nil
		}
		return []models.WorkerRef{{ID: *req.CurrentApproverId}}, nil
	}
	return eligible, nil
}

// Drain assigns parked (open, unassigned) requests of the branch and brand.
// It returns the assignments that changed hands.
func (a *ApproverAssignor) Drain(ctx context.Context, branchId, brandId int) ([]*DrainedAssignment, error) {
	seen := make(map[int]struct{})
	var parked []*models.Request
	for _, f := range []models.RequestFilter{
		{BranchId: branchId, Unassigned: true},
		{BrandId: brandId, Unassigned: true},
	} {
		got, err := models.ListOpenRequests(ctx, a.DB, f)
		if err != nil {
			return nil, err
		}
		for _, r := range got {
			if _, ok := seen[r.ID]; ok || r.IsLocked() {
				continue
			}
			seen[r.ID] = struct{}{}
			parked = append(parked, r)
		}
	}
	sort.Slice(parked, func(i, j int) bool { return parked[i].ID < parked[j].ID })

	var out []*DrainedAssignment
	for _, r := range parked {
		asg, err := a.Assign(ctx, r)
		if errors.Is(err, ErrNoEligibleWorkers) {
			continue
		}
		if err != nil {
			return out, err
		}
		if asg.Changed && asg.Worker != nil {
			out = append(out, &DrainedAssignment{Request: r, Assignment: asg})
		}
	}
	return out, nil
}

type DrainedAssignment struct {
	Request    *models.Request
	Assignment *Assignment
}

func findWorker(ws []models.WorkerRef, id int) *models.WorkerRef {
	for i := range ws {
		if ws[i].ID == id {
			w := ws[i]
			return &w
		}
	}
	return nil
}
