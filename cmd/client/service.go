package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	svc "github.com/kardianos/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const stopTimeout = 10 * time.Second

var serviceActions = []string{"install", "uninstall", "start", "stop", "restart", "status", "run"}

// program runs the monitor under the OS service manager.
type program struct {
	opts   *rootOptions
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- runMonitor(ctx, p.opts) }()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case err := <-p.done:
		return err
	case <-time.After(stopTimeout):
		return errors.New("monitor did not stop in time")
	}
}

func newServiceCmd(root *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:       "service " + strings.Join(serviceActions, "|"),
		Short:     "Manage the monitor as an OS service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: serviceActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(root, name)
			if err != nil {
				return err
			}
			return serviceAction(s, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&name, "name", "weatherdash", "service name")
	return cmd
}

func newService(root *rootOptions, name string) (svc.Service, error) {
	args := []string{"service", "run", "--name", name}
	if root.configPath != "" {
		abs, err := filepath.Abs(root.watchPath())
		if err != nil {
			return nil, errors.Wrap(err, "config path")
		}
		args = append(args, "--config", abs)
	}
	cfg := &svc.Config{
		Name:        name,
		DisplayName: "Weatherdash monitor",
		Description: "Streams weather station readings and raises alerts.",
		Arguments:   args,
		Option:      svc.KeyValue{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	s, err := svc.New(&program{opts: root}, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "service")
	}
	return s, nil
}

func serviceAction(s svc.Service, action string, cmd *cobra.Command) error {
	switch strings.ToLower(action) {
	case "install":
		return errors.Wrap(s.Install(), "install")
	case "uninstall":
		return errors.Wrap(s.Uninstall(), "uninstall")
	case "start":
		return errors.Wrap(s.Start(), "start")
	case "stop":
		return errors.Wrap(s.Stop(), "stop")
	case "restart":
		return errors.Wrap(s.Restart(), "restart")
	case "status":
		st, err := s.Status()
		if err != nil {
			return errors.Wrap(err, "status")
		}
		fmt.Fprintln(cmd.OutOrStdout(), statusText(st))
		return nil
	case "run":
		return s.Run()
	default:
		return errors.Errorf("unknown service command: %s", action)
	}
}

func statusText(st svc.Status) string {
	switch st {
	case svc.StatusRunning:
		return "running"
	case svc.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
