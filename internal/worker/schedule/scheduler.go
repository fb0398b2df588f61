// Package schedule はパイプラインの定期実行スケジューラを提供する。
// 朝・夕の2スロットで1日2回パイプラインをトリガーする。
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/newswatch/internal/pipeline"
)

// PipelineRunner はパイプライン実行のインターフェース。
type PipelineRunner interface {
	// Run は指定スロットでパイプライン全体を実行する。
	Run(ctx context.Context, slot pipeline.Slot) error
}

// Scheduler はパイプラインの時刻ベースのスケジューリングを行う。
// 二重実行の防止はパイプラインドライバー側のガードに委ねる。
type Scheduler struct {
	runner  PipelineRunner
	logger  *slog.Logger
	Morning time.Duration // 朝スロットのUTC時刻（0時からのオフセット）
	Evening time.Duration // 夕スロットのUTC時刻（0時からのオフセット）
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// デフォルトは朝6時・夕17時（いずれもUTC）。
func NewScheduler(runner PipelineRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:  runner,
		logger:  logger,
		Morning: 6 * time.Hour,
		Evening: 17 * time.Hour,
	}
}

// Start は次のスロット時刻まで待機と実行を繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("パイプラインスケジューラを開始しました",
		slog.Duration("morning", s.Morning),
		slog.Duration("evening", s.Evening),
	)

	for {
		next, slot := s.NextSlot(time.Now().UTC())
		wait := time.Until(next)

		s.logger.Info("次のパイプライン実行を待機します",
			slog.Time("next", next),
			slog.String("slot", string(slot)),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("パイプラインスケジューラを停止しました")
			return
		case <-timer.C:
		}

		if err := s.runner.Run(ctx, slot); err != nil {
			s.logger.Error("定期パイプラインの実行に失敗しました",
				slog.String("slot", string(slot)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// NextSlot は現在時刻の次に到来するスロットの時刻と種別を返す。
func (s *Scheduler) NextSlot(now time.Time) (time.Time, pipeline.Slot) {
	day := now.Truncate(24 * time.Hour)
	morning := day.Add(s.Morning)
	evening := day.Add(s.Evening)

	switch {
	case now.Before(morning):
		return morning, pipeline.SlotMorning
	case now.Before(evening):
		return evening, pipeline.SlotEvening
	default:
		return morning.AddDate(0, 0, 1), pipeline.SlotMorning
	}
}
