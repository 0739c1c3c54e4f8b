package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"armada"
	"armada/config"
	"armada/event"
	"armada/logging"
	"armada/recording"
	"armada/registry"
)

type scopeFlags struct {
	inventory string
	groups    stringList
	only      stringList
	except    stringList
	hosts     stringList
}

func (s *scopeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.inventory, "i", "", "inventory file (.toml, .yaml, .yml)")
	fs.StringVar(&s.inventory, "inventory", "", "inventory file (.toml, .yaml, .yml)")
	fs.Var(&s.groups, "g", "group to scope to (repeatable)")
	fs.Var(&s.groups, "group", "group to scope to (repeatable)")
	fs.Var(&s.only, "only", "keep only servers with property k=v (repeatable)")
	fs.Var(&s.except, "except", "drop servers with property k=v (repeatable)")
	fs.Var(&s.hosts, "host", "scope to this exact host (repeatable)")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func runRun(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(errOut)
	scope := &scopeFlags{}
	scope.register(fs)
	record := fs.String("record", "", "directory for per-host output transcripts")
	limit := fs.Int("limit", 0, "max simultaneously-open connections (0 = inventory default)")
	logLevel := fs.String("log-level", "", "debug|info|warning|error")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	commandLine := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(commandLine) == "" {
		fmt.Fprintln(errOut, "run: a command is required")
		return 2
	}

	cfg, logger, code := loadInventory(scope, *logLevel, errOut)
	if code != 0 {
		return code
	}

	opts := armada.Options{
		Logger:                logger,
		Stdout:                out,
		Stderr:                errOut,
		ConcurrentConnections: *limit,
	}
	if *record != "" {
		recorder, err := recording.New(*record, logger)
		if err != nil {
			fmt.Fprintf(errOut, "run: %v\n", err)
			return 1
		}
		defer recorder.Close()
		opts.Recorder = recorder
	}

	sess, err := armada.FromConfig(cfg, opts)
	if err != nil {
		fmt.Fprintf(errOut, "run: %v\n", err)
		return 1
	}
	defer sess.Close()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		stopProgress := watchProgress(sess, errOut)
		defer stopProgress()
	}

	exit := 0
	scopedErr := applyScope(sess, scope, func(s *armada.Session) error {
		agg, err := s.Exec(commandLine, nil)
		if err != nil {
			return err
		}
		if err := agg.Wait(); err != nil {
			return err
		}
		for host, status := range agg.ExitStatuses() {
			if status != 0 {
				fmt.Fprintf(errOut, "%s: exited %d\n", host, status)
				exit = 1
			}
		}
		return nil
	})
	if scopedErr != nil {
		fmt.Fprintf(errOut, "run: %v\n", scopedErr)
		return 1
	}
	return exit
}

// applyScope narrows sess to the requested groups, property constraints,
// and exact hosts before running fn.
func applyScope(sess *armada.Session, scope *scopeFlags, fn func(*armada.Session) error) error {
	if len(scope.hosts) > 0 {
		wanted := make(map[string]struct{}, len(scope.hosts))
		for _, host := range scope.hosts {
			wanted[host] = struct{}{}
		}
		var servers []*registry.Server
		for _, server := range sess.Registry().Servers() {
			if _, ok := wanted[server.Host]; ok {
				servers = append(servers, server)
			}
		}
		if len(servers) == 0 {
			return fmt.Errorf("no inventory server matches %s", scope.hosts.String())
		}
		return sess.On(servers, fn)
	}

	only, err := parseConstraints(scope.only)
	if err != nil {
		return err
	}
	except, err := parseConstraints(scope.except)
	if err != nil {
		return err
	}
	if len(scope.groups) == 0 && only == nil && except == nil {
		return fn(sess)
	}

	groups := scope.groups
	if len(groups) == 0 {
		groups = stringList{registry.DefaultGroup}
	}
	selectors := make([]registry.Selector, len(groups))
	for i, group := range groups {
		selectors[i] = registry.Selector{Group: group, Only: only, Except: except}
	}
	return sess.With(selectors, fn)
}

// parseConstraints turns repeated k=v flags into a property filter.
// Values that parse as integers or booleans compare as such, matching how
// inventory property values decode.
func parseConstraints(pairs stringList) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("constraint %q is not k=v", pair)
		}
		if parsed, err := strconv.Atoi(value); err == nil {
			out[key] = parsed
			continue
		}
		if parsed, err := strconv.ParseBool(value); err == nil {
			out[key] = parsed
			continue
		}
		out[key] = value
	}
	return out, nil
}

func loadInventory(scope *scopeFlags, logLevel string, errOut io.Writer) (config.Config, *logging.Logger, int) {
	path := scope.inventory
	if path == "" {
		path = os.Getenv("ARMADA_INVENTORY")
	}
	if path == "" {
		fmt.Fprintln(errOut, "an inventory file is required (-i or ARMADA_INVENTORY)")
		return config.Config{}, nil, 2
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(errOut, "load inventory: %v\n", err)
		return config.Config{}, nil, 1
	}

	if logLevel == "" {
		logLevel = os.Getenv("ARMADA_LOG_LEVEL")
	}
	if logLevel == "" {
		logLevel = cfg.Defaults.LogLevel
	}
	level, ok := logging.ParseLevel(logLevel)
	if !ok {
		level = logging.LevelWarning
	}
	logger := logging.NewLoggerWithOutput(nil, level, errOut)
	return cfg, logger, 0
}

// watchProgress prints lifecycle events while a command runs against many
// servers, so an interactive caller can see slow hosts connect.
func watchProgress(sess *armada.Session, errOut io.Writer) func() {
	events, cancel := sess.Events().SubscribeTypes(
		event.TypeServerConnected,
		event.TypeServerFailed,
		event.TypePendingQueued,
		event.TypePendingRealized,
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			serverEv, ok := ev.(event.ServerEvent)
			if !ok {
				continue
			}
			switch serverEv.Type() {
			case event.TypeServerConnected:
				fmt.Fprintf(errOut, "* %s connected\n", serverEv.Host)
			case event.TypeServerFailed:
				fmt.Fprintf(errOut, "* %s failed: %s\n", serverEv.Host, serverEv.Err)
			case event.TypePendingQueued:
				fmt.Fprintf(errOut, "* %s waiting for a connection slot\n", serverEv.Host)
			case event.TypePendingRealized:
				fmt.Fprintf(errOut, "* %s slot acquired\n", serverEv.Host)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
