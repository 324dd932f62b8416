package directory

import (
	"context"
	"sort"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
)

// CheckpointTable decides which supervisor levels a brand passes through.
// Static levels (from settings) apply to every brand; table rows add per-brand levels.
type CheckpointTable struct {
	DB     *gorm.DB
	Static []int
}

func (c *CheckpointTable) SupervisorLevels(ctx context.Context, brandId int) ([]int, error) {
	set := make(map[int]struct{})
	for _, lvl := range c.Static {
		set[lvl] = struct{}{}
	}
	if c.DB != nil {
		var levels []int
		err := c.DB.WithContext(ctx).Model(&models.SupervisorCheckpoint{}).
			Where("brand_id IN ? AND is_active = ?", []int{0, brandId}, true).
			Pluck("level", &levels).Error
		if err != nil {
			return nil, err
		}
		for _, lvl := range levels {
			set[lvl] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for lvl := range set {
		if lvl == 1 || lvl == 2 {
			out = append(out, lvl)
		}
	}
	sort.Ints(out)
	return out, nil
}
