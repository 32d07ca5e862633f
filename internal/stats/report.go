package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pertnet/internal/model"
)

// RunReport renders a one-run text summary for terminal output.
func RunReport(run model.RunRecord, history model.LossHistory) string {
	var b strings.Builder
	created := time.Unix(run.CreatedUnix, 0).UTC()

	fmt.Fprintf(&b, "run:          %s\n", run.ID)
	fmt.Fprintf(&b, "model:        %s\n", run.Model)
	fmt.Fprintf(&b, "created:      %s (%s)\n", Timestamp(created), humanize.Time(created))

	name := run.Dataset.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&b, "dataset:      %s, %s samples x %d nodes\n",
		name, humanize.Comma(int64(run.Dataset.Samples)), run.Dataset.Nodes)
	fmt.Fprintf(&b, "split:        train %d / monitor %d / eval %d\n",
		run.Dataset.TrainEnd,
		run.Dataset.MonitorEnd-run.Dataset.TrainEnd,
		run.Dataset.EvalEnd-run.Dataset.MonitorEnd)
	fmt.Fprintf(&b, "iterations:   %s (%s)\n", humanize.Comma(int64(run.Iterations)), run.StopReason)
	fmt.Fprintf(&b, "train loss:   %s\n", formatLoss(run.TrainLoss))
	fmt.Fprintf(&b, "monitor loss: %s\n", formatLoss(run.MonitorLoss))
	fmt.Fprintf(&b, "eval loss:    %s\n", formatLoss(run.EvalLoss))

	if point, ok := bestMonitorPoint(history.Points); ok {
		fmt.Fprintf(&b, "best monitor: %s at iteration %s (substage %d)\n",
			formatLoss(point.MonitorLoss), humanize.Comma(int64(point.Iteration)), point.Substage)
	}
	return b.String()
}

func bestMonitorPoint(points []model.LossPoint) (model.LossPoint, bool) {
	if len(points) == 0 {
		return model.LossPoint{}, false
	}
	best := points[0]
	for _, point := range points[1:] {
		if point.MonitorLoss < best.MonitorLoss {
			best = point
		}
	}
	return best, true
}

func formatLoss(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
