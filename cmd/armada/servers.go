package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"armada"
)

func runServers(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("servers", flag.ContinueOnError)
	fs.SetOutput(errOut)
	scope := &scopeFlags{}
	scope.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, code := loadInventory(scope, "", errOut)
	if code != 0 {
		return code
	}

	sess, err := armada.FromConfig(cfg, armada.Options{Logger: logger, Stdout: out, Stderr: errOut})
	if err != nil {
		fmt.Fprintf(errOut, "servers: %v\n", err)
		return 1
	}
	defer sess.Close()

	scopedErr := applyScope(sess, scope, func(s *armada.Session) error {
		for _, server := range s.Servers() {
			props := server.Properties()
			if len(props) == 0 {
				fmt.Fprintln(out, server.String())
				continue
			}
			keys := make([]string, 0, len(props))
			for key := range props {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			fmt.Fprint(out, server.String())
			for _, key := range keys {
				fmt.Fprintf(out, " %s=%v", key, props[key])
			}
			fmt.Fprintln(out)
		}
		return nil
	})
	if scopedErr != nil {
		fmt.Fprintf(errOut, "servers: %v\n", scopedErr)
		return 1
	}
	return 0
}
