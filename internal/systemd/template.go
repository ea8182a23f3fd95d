// Package systemd renders the user-level unit that keeps the daemon
// running across logins.
package systemd

import (
	"fmt"
	"strings"
)

// UnitTemplate returns the vaultbot.service user unit. The binary path
// and env file path are substituted; the env file line is omitted when
// empty.
func UnitTemplate(binPath, envFile string) string {
	envLine := ""
	if envFile != "" {
		envLine = "EnvironmentFile=" + envFile + "\n"
	}
	unit := `[Unit]
Description=vaultbot markdown task orchestrator
After=network-online.target

[Service]
Type=simple
%sExecStart=%s run
Restart=on-failure
RestartSec=5
NoNewPrivileges=true
PrivateTmp=true

[Install]
WantedBy=default.target
`
	return fmt.Sprintf(unit, envLine, binPath)
}

// UnitPath returns the user-unit path under the given home directory.
func UnitPath(home string) string {
	return strings.TrimRight(home, "/") + "/.config/systemd/user/vaultbot.service"
}
