package workload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"shmutex/internal/config"
)

// Definition is one compiled job from the workload config.
type Definition struct {
	Name      string
	Exclusive bool
	// After delays the one-shot submissions relative to the start of a run.
	After time.Duration
	// Hold is how long the job's pending computation takes to settle.
	Hold time.Duration
	// Fail, when non-empty, makes every submission settle as a failure.
	Fail string
	// Count is the number of one-shot submissions.
	Count int
	// Arrival resubmits the job on a schedule while serving. Nil for one-shot jobs.
	Arrival *Arrival
}

// Compile turns the workload section into definitions. The config is assumed
// to have passed config.Validate; errors here cover schedules only.
func Compile(cfg config.WorkloadConfig) ([]Definition, error) {
	defs := make([]Definition, 0, len(cfg.Jobs))
	var errs []error
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("workload.jobs[%d]", i)
		after, err := config.ParseDurationField(path+".after", j.After)
		if err != nil {
			errs = append(errs, err)
		}
		hold, err := config.ParseDurationField(path+".hold", j.Hold)
		if err != nil {
			errs = append(errs, err)
		}
		d := Definition{
			Name:      strings.TrimSpace(j.Name),
			Exclusive: j.Exclusive(),
			After:     after,
			Hold:      hold,
			Fail:      j.Fail,
			Count:     j.Count,
		}
		if strings.TrimSpace(j.Schedule) != "" {
			a, err := ParseArrival(j.Schedule)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
			} else {
				d.Arrival = &a
			}
		} else if d.Count == 0 {
			d.Count = 1
		}
		defs = append(defs, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return defs, nil
}

func (d Definition) mode() string {
	if d.Exclusive {
		return "exclusive"
	}
	return "shared"
}
