package config

import (
	"reflect"
	"sort"
	"strings"

	logx "shmutex/pkg/logx"
)

// SummarizeChange returns (1) a sorted list of changed sections and
// (2) structured attrs describing the new values, suitable for one log line.
// Job definitions are summarized by count; (3) lists the job names that
// were added, removed or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil storage means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Status.Enabled != newCfg.Status.Enabled ||
		strings.TrimSpace(oldCfg.Status.Address) != strings.TrimSpace(newCfg.Status.Address) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.address", strings.TrimSpace(newCfg.Status.WithDefaults().Address)),
		)
	}

	jobsChanged := diffJobs(oldCfg.Workload.Jobs, newCfg.Workload.Jobs)
	if len(jobsChanged) > 0 ||
		oldCfg.Workload.Name != newCfg.Workload.Name ||
		oldCfg.Workload.StarvationWarnEvery != newCfg.Workload.StarvationWarnEvery ||
		oldCfg.Workload.Timezone != newCfg.Workload.Timezone {
		changed = append(changed, "workload")
		attrs = append(attrs,
			logx.String("workload.name", newCfg.Workload.Name),
			logx.Int("workload.jobs", len(newCfg.Workload.Jobs)),
			logx.Int("workload.jobs_changed", len(jobsChanged)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		oldM[j.Name] = j
	}
	newM := make(map[string]JobConfig, len(newJobs))
	for _, j := range newJobs {
		newM[j.Name] = j
	}

	var out []string
	for name, o := range oldM {
		n, ok := newM[name]
		if !ok || o != n {
			out = append(out, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
