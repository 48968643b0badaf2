package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"javelin/pkg/router"
)

// adminCall sends one line-JSON request to the router's admin socket and
// reads the single response line.
func adminCall(socket string, req router.AdminRequest) (router.AdminResponse, error) {
	var resp router.AdminResponse
	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		return resp, fmt.Errorf("dial admin socket %s: %w", socket, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return resp, fmt.Errorf("send admin request: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return resp, fmt.Errorf("read admin response: %w", err)
		}
		return resp, fmt.Errorf("admin socket closed without a response")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return resp, fmt.Errorf("decode admin response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("router: %s", resp.Error)
	}
	return resp, nil
}
