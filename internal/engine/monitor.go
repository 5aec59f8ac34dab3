package engine

import (
	"context"
	"os"
	"time"

	"github.com/harrison/dispatch/internal/logger"
)

// Monitor defaults; both are overridable via configuration.
const (
	DefaultMonitorInterval    = 5 * time.Second
	DefaultMonitorMaxDuration = 5 * time.Minute
)

// MonitorOutcome describes how a monitoring run ended.
type MonitorOutcome struct {
	// MarkerFound is true when the completion marker appeared before the
	// deadline. False means the deadline or context ended the wait; that is
	// a designed outcome, not an error, and collection proceeds with
	// whatever is available.
	MarkerFound bool
	Elapsed     time.Duration
	Updates     int
}

// Monitor detects backend completion without a synchronous return channel by
// polling for the task's marker file under a hard deadline. Between polls it
// samples recent backend output and reports liveness when it changes.
type Monitor struct {
	session     Session
	interval    time.Duration
	maxDuration time.Duration
	log         logger.Logger
}

// NewMonitor creates a Monitor over the execution session.
func NewMonitor(session Session, interval, maxDuration time.Duration, log logger.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMonitorMaxDuration
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Monitor{
		session:     session,
		interval:    interval,
		maxDuration: maxDuration,
		log:         log,
	}
}

// Wait polls until the task's completion marker exists, the max duration
// elapses, or ctx is canceled. Each time the sampled backend output changes,
// onProgress is invoked so external observers see liveness.
func (m *Monitor) Wait(ctx context.Context, taskID string, onProgress func(sample string)) MonitorOutcome {
	start := time.Now()
	marker := m.session.MarkerPath(taskID)
	lastOutput := ""
	updates := 0

	m.log.Debugf("monitoring for completion marker: %s", marker)

	for {
		elapsed := time.Since(start)

		if _, err := os.Stat(marker); err == nil {
			m.log.Infof("completion marker detected for task %s after %s", taskID, elapsed.Round(time.Second))
			return MonitorOutcome{MarkerFound: true, Elapsed: elapsed, Updates: updates}
		}

		if elapsed >= m.maxDuration {
			m.log.Warnf("monitor deadline (%s) reached for task %s, proceeding to collection", m.maxDuration, taskID)
			return MonitorOutcome{Elapsed: elapsed, Updates: updates}
		}

		output, err := m.session.CaptureOutput(50)
		if err != nil {
			m.log.Debugf("capture output failed: %v", err)
		} else if output != "" && output != lastOutput {
			if onProgress != nil {
				onProgress(output)
			}
			updates++
			lastOutput = output
		}

		select {
		case <-ctx.Done():
			m.log.Warnf("monitoring canceled for task %s after %s", taskID, elapsed.Round(time.Second))
			return MonitorOutcome{Elapsed: time.Since(start), Updates: updates}
		case <-time.After(m.interval):
		}
	}
}
