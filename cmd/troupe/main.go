// Command troupe runs the role-based message engine from a YAML
// configuration. Roles are registered with acknowledging placeholder
// handlers; embedding applications supply real ones through the
// orchestrator API instead of this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/troupe/pkg/config"
)

const version = "0.1.0"

type globalFlags struct {
	ConfigPath string
	RolesPath  string
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	if global.RolesPath != "" {
		cfg.RolesFile = global.RolesPath
	}

	switch args[0] {
	case "run":
		if err := runEngine(ctx, cfg, global.ConfigPath, args[1:]); err != nil {
			fatal(err)
		}
	case "roles":
		if err := printRoles(cfg); err != nil {
			fatal(err)
		}
	case "validate":
		if err := validateConfig(cfg); err != nil {
			fatal(err)
		}
		fmt.Println("configuration: OK")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	fs := flag.NewFlagSet("troupe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var g globalFlags
	fs.StringVar(&g.ConfigPath, "config", "", "path to the system config file")
	fs.StringVar(&g.RolesPath, "roles", "", "path to the roles file (overrides config)")
	fs.BoolVar(&g.Help, "help", false, "print usage")
	if err := fs.Parse(args); err != nil {
		return g, nil, err
	}
	return g, fs.Args(), nil
}

func loadRoles(cfg *config.Config) ([]config.RoleConfig, error) {
	if cfg.RolesFile == "" {
		return config.DefaultRoles(), nil
	}
	return config.LoadRoles(cfg.RolesFile)
}

func printRoles(cfg *config.Config) error {
	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].RoleID < roles[j].RoleID })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tENABLED\tCONCURRENCY\tTIMEOUT\tRETRIES\tAUTO-RESTART")
	for _, rc := range roles {
		desc := rc.Descriptor()
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%d\t%t\n",
			desc.RoleID, desc.Enabled, desc.MaxConcurrentTasks,
			desc.Timeout, desc.RetryAttempts, desc.AutoRestart)
	}
	return w.Flush()
}

func validateConfig(cfg *config.Config) error {
	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}
	byID := make(map[string]bool, len(roles))
	for _, rc := range roles {
		if byID[rc.RoleID] {
			return fmt.Errorf("duplicate role %q in roles file", rc.RoleID)
		}
		byID[rc.RoleID] = true
	}
	for action, role := range cfg.Routes {
		if !byID[role] {
			return fmt.Errorf("route %q points at unknown role %q", action, role)
		}
	}
	if cfg.Bus.MessageQueueSize <= 0 {
		return fmt.Errorf("bus.message_queue_size must be positive, got %d", cfg.Bus.MessageQueueSize)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Print(`troupe - role-based message engine

Usage:
  troupe [flags] <command>

Commands:
  run        start the engine and serve until interrupted
  roles      print the configured role table
  validate   check the configuration and roles file

Flags:
  --config PATH   system config file (YAML)
  --roles PATH    roles file (overrides roles_file from config)
  --help          print this help

Run flags:
  troupe run [--action NAME --payload JSON]   process one request, print
                                              the response, then exit
`)
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Bus.ShutdownGrace(); d > 0 {
		return d + time.Second
	}
	return 11 * time.Second
}
