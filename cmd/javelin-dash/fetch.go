package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"javelin/pkg/router"
)

// fetchStats queries a running router's admin socket for one stats snapshot.
func fetchStats(adminSocket string) (router.AdminResponse, error) {
	var resp router.AdminResponse
	conn, err := net.DialTimeout("unix", adminSocket, time.Second)
	if err != nil {
		return resp, fmt.Errorf("dial admin socket: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := json.NewEncoder(conn).Encode(router.AdminRequest{Type: "STATS"}); err != nil {
		return resp, fmt.Errorf("send stats request: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return resp, fmt.Errorf("admin socket closed without a response")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return resp, fmt.Errorf("decode stats: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("router: %s", resp.Error)
	}
	return resp, nil
}
