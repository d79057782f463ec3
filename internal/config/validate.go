package config

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalid wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(validPort(c.Server.Port), "SERVER_PORT %d out of range", c.Server.Port)
	check(validPort(c.Database.Port), "DB_PORT %d out of range", c.Database.Port)
	check(c.Database.DBName != "", "DB_NAME is empty")
	check(slices.Contains([]string{"memory", "redis"}, c.Cache.Type), "CACHE_TYPE %q must be memory or redis", c.Cache.Type)
	if c.Cache.Enabled && c.Cache.Type == "redis" {
		check(validPort(c.Redis.Port), "REDIS_PORT %d out of range", c.Redis.Port)
	}
	check(slices.Contains([]string{"auto", "console", "json"}, c.Log.Format), "LOG_FORMAT %q must be auto, console or json", c.Log.Format)

	check(c.DICOM.AETitle != "" && len(c.DICOM.AETitle) <= 16, "DICOM_AE_TITLE %q must be 1-16 characters", c.DICOM.AETitle)
	check(validPort(c.DICOM.ListenPort), "DICOM_LISTEN_PORT %d out of range", c.DICOM.ListenPort)
	check(c.DICOM.Timeout > 0, "DICOM_TIMEOUT must be positive")
	check(c.DICOM.StorageRoot != "", "DICOM_STORAGE_ROOT is empty")
	check(c.DICOM.ArchiveDevice != "", "DICOM_ARCHIVE_DEVICE is empty")
	check(c.Tasks.CheckpointPath != "", "TASKS_CHECKPOINT_PATH is empty")
	check(c.Tasks.IdleWait > 0, "TASKS_IDLE_WAIT must be positive")

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
