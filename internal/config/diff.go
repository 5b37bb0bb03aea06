package config

import (
	"fmt"
	"reflect"
	"time"
)

// Change describes one setting that differs between two configurations.
// Consumers switch on the concrete type.
type Change interface {
	Key() string
	fmt.Stringer
}

// MaxParallelChanged resizes the worker pool.
type MaxParallelChanged struct{ Old, New int }

// MaxFailuresChanged moves the failure threshold.
type MaxFailuresChanged struct{ Old, New int }

// TickIntervalChanged changes the dispatch period.
type TickIntervalChanged struct{ Old, New time.Duration }

// CommandChanged replaces the staging command template.
type CommandChanged struct{ Old, New string }

// DefaultTreeChanged replaces the tree used when an entry names none.
type DefaultTreeChanged struct{ Old, New string }

// TimeoutChanged changes how long a staging command may run.
type TimeoutChanged struct{ Old, New time.Duration }

// StopGraceChanged changes the TERM-to-KILL grace period.
type StopGraceChanged struct{ Old, New time.Duration }

// LogLevelChanged changes the logger level.
type LogLevelChanged struct{ Old, New string }

// RestartRequired marks a setting that only takes effect after a restart.
type RestartRequired struct{ Setting string }

func (MaxParallelChanged) Key() string  { return "staging.max_parallel" }
func (MaxFailuresChanged) Key() string  { return "staging.max_failures" }
func (TickIntervalChanged) Key() string { return "service.tick_interval" }
func (CommandChanged) Key() string      { return "staging.command" }
func (DefaultTreeChanged) Key() string  { return "staging.default_tree" }
func (TimeoutChanged) Key() string      { return "staging.timeout" }
func (StopGraceChanged) Key() string    { return "staging.stop_grace" }
func (LogLevelChanged) Key() string     { return "service.log_level" }
func (c RestartRequired) Key() string   { return c.Setting }

func (c MaxParallelChanged) String() string  { return changeString(c.Key(), c.Old, c.New) }
func (c MaxFailuresChanged) String() string  { return changeString(c.Key(), c.Old, c.New) }
func (c TickIntervalChanged) String() string { return changeString(c.Key(), c.Old, c.New) }
func (c CommandChanged) String() string      { return changeString(c.Key(), c.Old, c.New) }
func (c DefaultTreeChanged) String() string  { return changeString(c.Key(), c.Old, c.New) }
func (c TimeoutChanged) String() string      { return changeString(c.Key(), c.Old, c.New) }
func (c StopGraceChanged) String() string    { return changeString(c.Key(), c.Old, c.New) }
func (c LogLevelChanged) String() string     { return changeString(c.Key(), c.Old, c.New) }
func (c RestartRequired) String() string     { return c.Setting + " changed (restart required)" }

func changeString(key string, old, new any) string {
	return fmt.Sprintf("%s: %v -> %v", key, old, new)
}

// Diff lists the differences from old to new in a stable order.
// Settings consumed only at startup are reported as RestartRequired.
func Diff(old, new *Config) []Change {
	var changes []Change

	if old.Staging.MaxParallel != new.Staging.MaxParallel {
		changes = append(changes, MaxParallelChanged{old.Staging.MaxParallel, new.Staging.MaxParallel})
	}
	if old.Staging.MaxFailures != new.Staging.MaxFailures {
		changes = append(changes, MaxFailuresChanged{old.Staging.MaxFailures, new.Staging.MaxFailures})
	}
	if old.Service.TickInterval != new.Service.TickInterval {
		changes = append(changes, TickIntervalChanged{old.Service.TickInterval, new.Service.TickInterval})
	}
	if old.Staging.Command != new.Staging.Command {
		changes = append(changes, CommandChanged{old.Staging.Command, new.Staging.Command})
	}
	if old.Staging.DefaultTree != new.Staging.DefaultTree {
		changes = append(changes, DefaultTreeChanged{old.Staging.DefaultTree, new.Staging.DefaultTree})
	}
	if old.Staging.Timeout != new.Staging.Timeout {
		changes = append(changes, TimeoutChanged{old.Staging.Timeout, new.Staging.Timeout})
	}
	if old.Staging.StopGrace != new.Staging.StopGrace {
		changes = append(changes, StopGraceChanged{old.Staging.StopGrace, new.Staging.StopGrace})
	}
	if old.Service.LogLevel != new.Service.LogLevel {
		changes = append(changes, LogLevelChanged{old.Service.LogLevel, new.Service.LogLevel})
	}

	restart := []struct {
		key     string
		changed bool
	}{
		{"service.log_format", old.Service.LogFormat != new.Service.LogFormat},
		{"service.lock_path", old.Service.LockPath != new.Service.LockPath},
		{"staging.stop_on_exit", old.Staging.StopOnExit != new.Staging.StopOnExit},
		{"supervisor", old.Supervisor != new.Supervisor},
		{"history", old.History != new.History},
		{"api", old.API != new.API},
		{"webhooks", !reflect.DeepEqual(old.Webhooks, new.Webhooks)},
	}
	for _, r := range restart {
		if r.changed {
			changes = append(changes, RestartRequired{Setting: r.key})
		}
	}

	return changes
}
