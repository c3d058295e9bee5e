// Package install registers tb-speakerd as a system service.
package install

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
)

const (
	// ServiceName is the systemd unit name and the launchd label suffix.
	ServiceName = "tb-speakerd"
	// DefaultConfigDir holds the service config file.
	DefaultConfigDir = "/etc/tb-speakerd"
	// DefaultConfigFile is the file the service is started with.
	DefaultConfigFile = config.DefaultPath
	// DataDir holds the inventory database and the audit journal.
	DataDir = "/var/lib/tb-speakerd"
)

// ErrUnsupported is returned on platforms without a known service manager.
var ErrUnsupported = errors.New("no supported service manager on this platform")

// InstallConfig holds the settings written to the service config file.
// Empty fields keep the built-in defaults.
type InstallConfig struct {
	Listen          string
	PublicURL       string
	ResolveMode     string
	ManualEndpoints []string
}

// ServiceStatus is a snapshot of the installed service.
type ServiceStatus struct {
	Platform   string
	Manager    string
	UnitPath   string
	ConfigPath string
	BinaryPath string
	Installed  bool // unit file present
	Configured bool // config file present
	Running    bool
}

// Runner executes a service-manager command.
type Runner func(name string, args ...string) error

// Installer writes the config, unit file and data directory, then drives the
// platform's service manager.
type Installer struct {
	ConfigFile string
	DataDir    string
	UnitPath   string

	platform *platform
	run      Runner // mutating commands, output shown to the operator
	query    Runner // status probes, output discarded
}

// New returns an installer for the running platform.
func New() (*Installer, error) {
	return newInstaller(runtime.GOOS, execRunner, quietRunner)
}

func newInstaller(goos string, run, query Runner) (*Installer, error) {
	p, ok := platforms[goos]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, goos)
	}
	return &Installer{
		ConfigFile: DefaultConfigFile,
		DataDir:    DataDir,
		UnitPath:   p.unitPath(),
		platform:   p,
		run:        run,
		query:      query,
	}, nil
}

// ServiceConfig builds the configuration the service starts with.
func ServiceConfig(ic InstallConfig, dataDir string) *config.Config {
	cfg := config.Default()
	cfg.AuditPath = filepath.Join(dataDir, "audit.log")
	cfg.Database.DSN = filepath.Join(dataDir, "inventory.db")
	if ic.Listen != "" {
		cfg.Listen = ic.Listen
	}
	if ic.PublicURL != "" {
		cfg.PublicURL = ic.PublicURL
	}
	if ic.ResolveMode != "" {
		cfg.Resolver.Mode = ic.ResolveMode
	}
	cfg.Discovery.ManualEndpoints = ic.ManualEndpoints
	return cfg
}

// WriteConfig validates cfg and writes it to path, readable by owner only.
func WriteConfig(path string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Install writes the service config, creates the data directory, writes the
// unit for binPath and starts the service. An invalid config leaves the
// host untouched.
func (in *Installer) Install(binPath string, ic InstallConfig) error {
	cfg := ServiceConfig(ic, in.DataDir)
	if err := cfg.Validate(); err != nil {
		return err
	}
	unit, err := in.platform.render(unitData{
		Binary:     binPath,
		ConfigFile: in.ConfigFile,
		DataDir:    in.DataDir,
		Label:      in.platform.label,
	})
	if err != nil {
		return err
	}

	if err := WriteConfig(in.ConfigFile, cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(in.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(in.UnitPath), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(in.UnitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write %s unit: %w", in.platform.manager, err)
	}

	for _, c := range in.platform.start(in.UnitPath) {
		if err := in.run(c[0], c[1:]...); err != nil {
			return fmt.Errorf("%s: %w", c[0], err)
		}
	}
	return nil
}

// Uninstall stops the service and removes its unit. With purge the config
// directory goes too. The data directory is always kept.
func (in *Installer) Uninstall(purge bool) error {
	// stop failures are expected when the service is not loaded
	for _, c := range in.platform.stop(in.UnitPath) {
		_ = in.run(c[0], c[1:]...)
	}
	if err := os.Remove(in.UnitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove unit: %w", err)
	}
	for _, c := range in.platform.reload {
		_ = in.run(c[0], c[1:]...)
	}
	if purge {
		if err := os.RemoveAll(filepath.Dir(in.ConfigFile)); err != nil {
			return fmt.Errorf("purge config: %w", err)
		}
	}
	return nil
}

// Status reports what is installed and whether the manager sees the
// service running.
func (in *Installer) Status() ServiceStatus {
	s := ServiceStatus{
		Platform:   runtime.GOOS,
		Manager:    in.platform.manager,
		UnitPath:   in.UnitPath,
		ConfigPath: in.ConfigFile,
		Installed:  exists(in.UnitPath),
		Configured: exists(in.ConfigFile),
	}
	if bin, err := BinaryPath(); err == nil {
		s.BinaryPath = bin
	}
	q := in.platform.active
	s.Running = in.query(q[0], q[1:]...) == nil
	return s
}

// BinaryPath returns the resolved path of the running binary.
func BinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func execRunner(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func quietRunner(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}
