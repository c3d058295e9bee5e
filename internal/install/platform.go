package install

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// platform describes one service manager: where its unit lives, how the unit
// reads, and the commands that start, stop and query it.
type platform struct {
	manager  string
	label    string
	unitPath func() string
	tmpl     *template.Template
	start    func(unitPath string) [][]string
	stop     func(unitPath string) [][]string
	reload   [][]string
	active   []string
}

type unitData struct {
	Binary     string
	ConfigFile string
	DataDir    string
	Label      string
}

var platforms = map[string]*platform{
	"linux":  systemd,
	"darwin": launchd,
}

var systemd = &platform{
	manager:  "systemd",
	label:    ServiceName,
	unitPath: func() string { return "/etc/systemd/system/" + ServiceName + ".service" },
	tmpl: template.Must(template.New("systemd").Parse(`[Unit]
Description=TinkerBelle speaker hub
Documentation=https://github.com/tinkerbelle-io/tb-speakerd
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Binary}} serve --config {{.ConfigFile}}
Restart=on-failure
RestartSec=5
Environment=TBS_LOG_FORMAT=json

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
PrivateTmp=true
ReadWritePaths={{.DataDir}}
# multicast discovery and interface enumeration
RestrictAddressFamilies=AF_INET AF_INET6 AF_UNIX AF_NETLINK

[Install]
WantedBy=multi-user.target
`)),
	start: func(string) [][]string {
		return [][]string{
			{"systemctl", "daemon-reload"},
			{"systemctl", "enable", "--now", ServiceName},
		}
	},
	stop: func(string) [][]string {
		return [][]string{{"systemctl", "disable", "--now", ServiceName}}
	},
	reload: [][]string{{"systemctl", "daemon-reload"}},
	active: []string{"systemctl", "is-active", "--quiet", ServiceName},
}

var launchd = &platform{
	manager:  "launchd",
	label:    "io.tinkerbelle." + ServiceName,
	unitPath: launchdPlistPath,
	tmpl: template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Binary}}</string>
		<string>serve</string>
		<string>--config</string>
		<string>{{.ConfigFile}}</string>
	</array>
	<key>EnvironmentVariables</key>
	<dict>
		<key>TBS_LOG_FORMAT</key>
		<string>json</string>
	</dict>
	<key>WorkingDirectory</key>
	<string>{{.DataDir}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardErrorPath</key>
	<string>/var/log/tb-speakerd.log</string>
</dict>
</plist>
`)),
	start: func(path string) [][]string {
		return [][]string{{"launchctl", "load", "-w", path}}
	},
	stop: func(path string) [][]string {
		return [][]string{{"launchctl", "unload", "-w", path}}
	},
	active: []string{"launchctl", "list", "io.tinkerbelle." + ServiceName},
}

// launchdPlistPath is system-wide for root and per-user otherwise.
func launchdPlistPath() string {
	name := "io.tinkerbelle." + ServiceName + ".plist"
	if os.Getuid() == 0 {
		return filepath.Join("/Library/LaunchDaemons", name)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", name)
}

func (p *platform) render(d unitData) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render %s unit: %w", p.manager, err)
	}
	return b.String(), nil
}

// Unit renders the unit file the installer would write for goos.
func Unit(goos, binPath string) (string, error) {
	p, ok := platforms[goos]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, goos)
	}
	return p.render(unitData{Binary: binPath, ConfigFile: DefaultConfigFile, DataDir: DataDir, Label: p.label})
}
