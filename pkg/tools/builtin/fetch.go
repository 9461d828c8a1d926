package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/germanamz/relay/pkg/tools/toolbox"
)

// maxBodySize caps the fetched body at 1MB.
const maxBodySize = 1 << 20

var privateRanges = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"::/128",
		"fc00::/7",
		"fe80::/10",
	}

	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, _ := net.ParseCIDR(cidr)
		nets = append(nets, ipNet)
	}

	return nets
}()

func isPrivateIP(ip net.IP) bool {
	return slices.ContainsFunc(privateRanges, func(n *net.IPNet) bool { return n.Contains(ip) })
}

// safeTransport checks the resolved addresses when the connection is made,
// so a host cannot resolve to a public address first and a private one
// later.
func safeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid address %s: %w", FetchURL, addr, err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("%s: DNS lookup failed for %s: %w", FetchURL, host, err)
			}

			for _, ip := range ips {
				if isPrivateIP(ip.IP) {
					return nil, fmt.Errorf("%s: connection to private address %s blocked", FetchURL, ip.IP)
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
	}
}

func newSafeClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: safeTransport(),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("%s: too many redirects", FetchURL)
			}
			return nil
		},
	}
}

type fetchInput struct {
	URL string `json:"url"`
}

type fetchOutput struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func fetchTool(client *http.Client) toolbox.Tool {
	return toolbox.Tool{
		Name:        FetchURL,
		Description: "Fetch a public http or https URL with GET. Returns the status, content type and body (capped at 1MB). Requires the user's confirmation.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","minLength":1,"description":"The URL to fetch"}},"required":["url"],"additionalProperties":false}`),
		Handler: func(ctx context.Context, _ toolbox.Conversation, input json.RawMessage) (string, error) {
			var in fetchInput
			if err := decode(FetchURL, input, &in); err != nil {
				return "", err
			}

			u, err := url.Parse(in.URL)
			if err != nil {
				return "", fmt.Errorf("%s: invalid URL: %w", FetchURL, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return "", fmt.Errorf("%s: unsupported scheme %q", FetchURL, u.Scheme)
			}
			if u.Hostname() == "" {
				return "", fmt.Errorf("%s: URL has no host", FetchURL)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return "", fmt.Errorf("%s: create request: %w", FetchURL, err)
			}

			resp, err := client.Do(req) //nolint:gosec // URL is approved by the user
			if err != nil {
				return "", fmt.Errorf("%s: %w", FetchURL, err)
			}
			defer resp.Body.Close() //nolint:errcheck // best-effort close on read

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
			if err != nil {
				return "", fmt.Errorf("%s: read body: %w", FetchURL, err)
			}

			out := fetchOutput{
				URL:         u.String(),
				Status:      resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
			}
			if len(body) > maxBodySize {
				body = body[:maxBodySize]
				out.Truncated = true
			}
			out.Body = string(body)

			return encode(FetchURL, out)
		},
	}
}
