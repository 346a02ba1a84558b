package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// VersionInfo contains browser version information from /json/version.
type VersionInfo struct {
	Browser       string `json:"Browser"`
	ProtocolVer   string `json:"Protocol-Version"`
	UserAgent     string `json:"User-Agent"`
	V8Version     string `json:"V8-Version"`
	WebKitVersion string `json:"WebKit-Version"`
	WebSocketURL  string `json:"webSocketDebuggerUrl"`
}

// FetchVersion retrieves browser version info from an HTTP debugging endpoint
// such as http://127.0.0.1:9222. Uses http.DefaultClient, which has no
// timeout; callers must bound ctx.
func FetchVersion(ctx context.Context, baseURL string) (*VersionInfo, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/json/version"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}

	return &info, nil
}

// ResolveEndpoint turns addr into a connectable websocket URL.
// ws:// and wss:// addresses pass through. http(s):// URLs and bare host:port
// pairs are resolved through /json/version.
func ResolveEndpoint(ctx context.Context, addr string) (string, error) {
	switch {
	case addr == "":
		return "", fmt.Errorf("empty endpoint")
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr, nil
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
	default:
		addr = "http://" + addr
	}

	info, err := FetchVersion(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", addr, err)
	}
	if info.WebSocketURL == "" {
		return "", fmt.Errorf("resolve %s: no webSocketDebuggerUrl in /json/version", addr)
	}
	return info.WebSocketURL, nil
}
