// Package telemetry samples host health: CPU, RAM, SoC temperature and
// uptime. Readings come from gopsutil, with the sysfs thermal zone as the
// temperature fallback on boards without a hwmon sensor.
package telemetry
