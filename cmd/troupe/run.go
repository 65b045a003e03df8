// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jllopis/troupe/pkg/bus"
	"github.com/jllopis/troupe/pkg/config"
	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/orchestrator"
	"github.com/jllopis/troupe/pkg/telemetry"
)

// ackHandler is the placeholder role handler the CLI registers: it
// acknowledges the action and echoes the payload back.
func ackHandler(roleID string) core.RoleHandler {
	return core.HandlerFunc(func(ctx context.Context, msg core.Message) (core.Message, error) {
		slog.InfoContext(ctx, "role.handle",
			slog.String("role", roleID),
			slog.String("action", msg.Action),
			slog.String("message_id", msg.ID),
		)
		return core.NewResponse(msg, map[string]any{
			"status":  "acknowledged",
			"role":    roleID,
			"action":  msg.Action,
			"request": msg.Payload,
		}), nil
	})
}

func runEngine(ctx context.Context, cfg *config.Config, configPath string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	action := fs.String("action", "", "process a single request for this action, then exit")
	payloadJSON := fs.String("payload", "", "JSON payload for --action")
	if err := fs.Parse(args); err != nil {
		return err
	}

	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.Setup("troupe", version, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(sctx)
	}()

	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}

	regs := make([]orchestrator.RoleRegistration, 0, len(roles))
	for _, rc := range roles {
		regs = append(regs, orchestrator.RoleRegistration{
			Descriptor: rc.Descriptor(),
			Handler:    ackHandler(rc.RoleID),
		})
	}

	o := orchestrator.New(orchestrator.Options{
		Bus: bus.Config{
			QueueCapacity:      cfg.Bus.MessageQueueSize,
			DeadLetterCapacity: cfg.Bus.DeadLetterCapacity,
			AbandonGrace:       cfg.Bus.AbandonGrace(),
			StatsInterval:      cfg.Bus.StatsInterval(),
		},
		Routes:        cfg.Routes,
		ShutdownGrace: cfg.Bus.ShutdownGrace(),
	})
	if err := o.Initialize(regs); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		o.Shutdown(sctx)
	}()

	if *action != "" {
		return runSingleRequest(ctx, o, *action, *payloadJSON)
	}

	if configPath != "" {
		watcher, werr := watchAndApply(ctx, o, cfg, configPath)
		if werr != nil {
			slog.Warn("troupe.watch.unavailable", slog.String("error", werr.Error()))
		} else {
			defer watcher.Stop()
			slog.Info("troupe.watching", slog.String("config", configPath))
		}
	}

	slog.Info("troupe.serving", slog.Int("roles", len(regs)))
	<-ctx.Done()
	slog.Info("troupe.shutdown.signal")
	return nil
}

// watchAndApply starts the config watcher and applies what can change on a
// live engine: log settings, action routes, and role enabled flags. Other
// descriptor fields are fixed at registration.
func watchAndApply(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config, configPath string, opts ...config.WatcherOption) (*config.Watcher, error) {
	watcher, _, err := config.WatchConfig(ctx, configPath, opts...)
	if err != nil {
		return nil, err
	}

	live := config.NewReloadableConfig(cfg)
	watcher.OnChange(func(next *config.Config) {
		prev := live.Get()
		live.Update(next)
		if next.Log != prev.Log {
			telemetry.ConfigureSlog(os.Stderr, next.Log.Level, next.Log.Format)
		}
		applyRoutes(o, next.Routes)
	})
	watcher.OnRolesChange(func(roles []config.RoleConfig) {
		applyRoleChanges(o, roles)
	})
	return watcher, nil
}

func applyRoutes(o *orchestrator.Orchestrator, routes map[string]string) {
	for action, roleID := range routes {
		o.RouteAction(action, roleID)
	}
}

// applyRoleChanges toggles the enabled flag on registered roles. Roles
// added to the file after startup are skipped: this binary has no handler
// to register for them.
func applyRoleChanges(o *orchestrator.Orchestrator, roles []config.RoleConfig) {
	known := o.Status().Roles
	for _, rc := range roles {
		st, ok := known[rc.RoleID]
		if !ok {
			slog.Warn("troupe.roles.unknown", slog.String("role", rc.RoleID))
			continue
		}
		desc := rc.Descriptor()
		if desc.Enabled == st.Descriptor.Enabled {
			continue
		}
		var err error
		if desc.Enabled {
			err = o.EnableRole(rc.RoleID)
		} else {
			err = o.DisableRole(rc.RoleID)
		}
		if err != nil {
			slog.Warn("troupe.roles.toggle_failed",
				slog.String("role", rc.RoleID),
				slog.String("error", err.Error()),
			)
			continue
		}
		slog.Info("troupe.roles.toggled",
			slog.String("role", rc.RoleID),
			slog.Bool("enabled", desc.Enabled),
		)
	}
}

func runSingleRequest(ctx context.Context, o *orchestrator.Orchestrator, action, payloadJSON string) error {
	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("parse --payload: %w", err)
		}
	}
	resp, err := o.ProcessRequest(ctx, "cli", action, payload)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
