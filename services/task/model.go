package task

import (
	"time"

	"gorm.io/datatypes"
)

type SweepKind string

const (
	KindStreakSweep  SweepKind = "streak_sweep"
	KindRewardExpire SweepKind = "reward_expire"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// SweepRun is an execution record for one scheduled sweep.
type SweepRun struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Kind        SweepKind      `gorm:"column:kind;type:varchar(32);index:idx_sweep_kind_date,priority:1;not null"`
	RunDate     string         `gorm:"column:run_date;type:char(10);index:idx_sweep_kind_date,priority:2;not null"`
	Status      RunStatus      `gorm:"column:status;type:varchar(20);default:'running'"` // running|success|failed|skipped
	Affected    int64          `gorm:"column:affected;not null;default:0"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

func (SweepRun) TableName() string {
	return "sweep_runs"
}

type sweepPayload struct {
	Date string `json:"date"`
}
