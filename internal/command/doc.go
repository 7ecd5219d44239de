// Package command answers commands the hub sends to the agent: ping and
// get_status. Host-level commands (reboot, shutdown, service restart) are
// rejected as unknown.
package command
