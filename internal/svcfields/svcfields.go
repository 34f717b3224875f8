package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// ResourceKey tags log entries with the lock's resource id.
const ResourceKey = pslog.TrustedString("resource")

// Subsystem builds a dot-delimited subsystem path from parts, skipping
// empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithResource attaches the resource id under ResourceKey.
func WithResource(logger pslog.Logger, resourceID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if resourceID == "" {
		return logger
	}
	return logger.With(ResourceKey, resourceID)
}
