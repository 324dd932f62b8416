// Package directory answers "who may act at this stage" for the approval workflow.
//
// Eligibility lives in several binding tables (branch bindings, brand bindings,
// handles-all grants). Each table is one Source; Directory merges them with a
// set union and loads the active workers.
package directory

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
)

// Source is one binding table contributing eligible worker ids.
type Source interface {
	Name() string
	WorkerIds(ctx context.Context, stage models.Stage, branchId, brandId int) ([]int, error)
}

type Directory struct {
	DB      *gorm.DB
	Sources []Source
}

// New wires the three binding sources used in production.
func New(db *gorm.DB) *Directory {
	return &Directory{
		DB: db,
		Sources: []Source{
			&BranchSource{DB: db},
			&BrandSource{DB: db},
			&GrantSource{DB: db},
		},
	}
}

// EligibleWorkers returns the active workers of every source, deduplicated and ordered by id.
func (d *Directory) EligibleWorkers(ctx context.Context, stage models.Stage, branchId, brandId int) ([]models.WorkerRef, error) {
	seen := make(map[int]struct{})
	var ids []int
	for _, src := range d.Sources {
		got, err := src.WorkerIds(ctx, stage, branchId, brandId)
		if err != nil {
			return nil, fmt.Errorf("directory source %s: %w", src.Name(), err)
		}
		for _, id := range got {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var workers []*models.Worker
	err := d.DB.WithContext(ctx).
		Where("id IN ? AND is_active = ?", ids, true).
		Find(&workers).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkerRef, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Ref())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenAssignmentCount counts open requests currently assigned to the worker.
func (d *Directory) OpenAssignmentCount(ctx context.Context, workerId int) (int, error) {
	n, err := models.CountOpenRequests(ctx, d.DB, models.RequestFilter{ApproverId: &workerId})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
