package pipeline

import (
	"errors"
	"fmt"

	"github.com/langchou/evpulse/internal/anomaly"
	"github.com/langchou/evpulse/internal/features"
	"github.com/langchou/evpulse/internal/normalize"
)

// Kind 错误分类
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindAlignmentGap         Kind = "alignment_gap"
	KindInsufficientBaseline Kind = "insufficient_baseline"
	KindCollaborator         Kind = "collaborator_unavailable"
	KindInvariant            Kind = "computation_invariant_violation"
)

// ErrCycleRunning 上一个周期尚未结束
var ErrCycleRunning = errors.New("a pipeline cycle is already running")

// Error 带分类的流水线错误
type Error struct {
	Kind      Kind
	Op        string
	StationID string
	Err       error
}

func (e *Error) Error() string {
	if e.StationID != "" {
		return fmt.Sprintf("%s [%s] station %s: %v", e.Op, e.Kind, e.StationID, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op, stationID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Op: op, StationID: stationID, Err: err}
}

// KindOf 错误分类；无法识别的按协作方不可用处理
func KindOf(err error) Kind {
	var pe *Error
	var rej *normalize.Rejection
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Kind
	case errors.As(err, &rej):
		return KindValidation
	case errors.Is(err, features.ErrInvariant):
		return KindInvariant
	case errors.Is(err, anomaly.ErrInsufficientBaseline):
		return KindInsufficientBaseline
	}
	return KindCollaborator
}
