package diagos

import (
	"fmt"
	"time"
)

// CalibrationReport is the result of Calibrate: measured behavior of the
// platform's clock and sleep primitives, plus any warnings spec.md §4.1
// says the operator should see ("warning the operator if any is
// inadequate").
type CalibrationReport struct {
	MonotonicResolutionMS float64
	SleepErrorPercent     map[int]float64 // requested ms -> measured error %
	Warnings              []string
}

// sleepProbeDurationsMS are the requested durations spec.md §4.1 calls
// out by name: "2–50 ms".
var sleepProbeDurationsMS = []int{2, 5, 10, 20, 50}

// Calibrate measures MonotonicMS resolution and SleepMS accuracy at
// startup, warning when sleep is off by >=5% at 2-50ms requests or when
// clock resolution is coarser than 1.2ms (spec.md §4.1).
func Calibrate() CalibrationReport {
	report := CalibrationReport{SleepErrorPercent: make(map[int]float64)}

	report.MonotonicResolutionMS = measureResolutionMS()
	if report.MonotonicResolutionMS > 1.2 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"monotonic clock resolution %.3fms is coarser than the 1.2ms target", report.MonotonicResolutionMS))
	}

	d := &Drift{}
	for _, ms := range sleepProbeDurationsMS {
		t0 := time.Now()
		d.SleepMS(ms)
		actual := time.Since(t0).Seconds() * 1000
		errPct := (actual - float64(ms)) / float64(ms) * 100
		report.SleepErrorPercent[ms] = errPct
		if errPct >= 5 || errPct <= -5 {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"sleep(%dms) measured %.2fms, %.1f%% off target", ms, actual, errPct))
		}
	}

	return report
}

// measureResolutionMS repeatedly samples MonotonicMS until it advances,
// taking the smallest observed nonzero delta as the effective resolution.
func measureResolutionMS() float64 {
	const samples = 20
	best := time.Second
	for i := 0; i < samples; i++ {
		t0 := time.Now()
		v0 := MonotonicMS()
		for MonotonicMS() == v0 {
			// busy-poll briefly; this is the calibration step itself,
			// not a general-purpose wait strategy (spec.md §9 reserves
			// busy-wait for sub-2ms last-resort cases).
		}
		delta := time.Since(t0)
		if delta < best {
			best = delta
		}
	}
	return float64(best.Microseconds()) / 1000.0
}
