// Package svc runs the continuous checksum checker as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultName is the service name used when none is given.
const DefaultName = "bitkeep-checker"

// RunFunc runs the checker until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	Run RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches the checker in the background; the service manager
// requires Start to return promptly.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("service program has no run function")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- p.Run(ctx) }()
	return nil
}

// Stop cancels the checker and waits for its batch to roll back.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name        string
	ConfigPath  string   // bitkeep configuration file passed with --config
	UserName    string   // account to run as (Linux/macOS only)
	CheckerArgs []string // extra checker flags, e.g. "-d", "8h"
}

// DefaultConfigPath returns the platform's default configuration file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "bitkeep", "bitkeep.yaml")
	}
	return "/etc/bitkeep/bitkeep.yaml"
}

// Arguments returns the command line the service manager starts bitkeep with.
func (c *Config) Arguments() []string {
	args := []string{"--service-run", "--config", c.ConfigPath, "checker", "-L"}
	return append(args, c.CheckerArgs...)
}

// serviceConfig translates c into kardianos/service terms for goos.
func (c *Config) serviceConfig(goos string) *service.Config {
	name := c.Name
	if name == "" {
		name = DefaultName
	}
	cfg := &service.Config{
		Name:        name,
		DisplayName: "Bitkeep Checksum Checker",
		Description: "Continuously verifies stored bitstreams against their recorded checksums",
		Arguments:   c.Arguments(),
	}

	switch goos {
	case "linux":
		cfg.Dependencies = []string{"After=local-fs.target"}
		cfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "30",
		}
		cfg.UserName = c.UserName
	case "darwin":
		cfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		cfg.UserName = c.UserName
	case "windows":
		cfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "30s",
		}
	}
	return cfg
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, cfg.serviceConfig(runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", s.String())
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Control performs one of "start", "stop", "restart" or "uninstall".
// Uninstalling a running service stops it first.
func Control(cfg *Config, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if action == "uninstall" {
		if status, _ := s.Status(); status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status as text.
func Status(cfg *Config) (string, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed", nil
	}
	if err != nil {
		return "", fmt.Errorf("service status: %w", err)
	}
	switch status {
	case service.StatusRunning:
		return "running", nil
	case service.StatusStopped:
		return "stopped", nil
	default:
		return "unknown", nil
	}
}

// Run hands control to the service manager; run is called once started.
func Run(cfg *Config, run RunFunc) error {
	s, err := newService(&Program{Run: run}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// Interactive reports whether the process was started from a terminal
// rather than by the service manager.
func Interactive() bool {
	return service.Interactive()
}

// CheckPrivileges fails unless the process may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether --service-run is among args.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
