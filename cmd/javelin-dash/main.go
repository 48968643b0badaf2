// Package main implements the javelin-dash interactive dashboard: a live
// view of shard health and worker lifecycle events from a running router.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"javelin/pkg/router"
)

// robotMode outputs a one-shot JSON snapshot instead of the interactive UI,
// for scripts and non-terminal consumers.
func robotMode(stats router.AdminResponse) ([]byte, error) {
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	adminSocket := flag.String("admin", "", "router admin socket path")
	eventDB := flag.String("db", "", "router event log path (optional)")
	robot := flag.Bool("robot", false, "print a JSON snapshot and exit")
	flag.Parse()

	if *adminSocket == "" {
		fmt.Fprintln(os.Stderr, "javelin-dash: --admin is required")
		os.Exit(2)
	}

	if *robot {
		stats, err := fetchStats(*adminSocket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "javelin-dash: %v\n", err)
			os.Exit(1)
		}
		data, err := robotMode(stats)
		if err != nil {
			fmt.Fprintf(os.Stderr, "javelin-dash: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(*adminSocket, *eventDB), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
