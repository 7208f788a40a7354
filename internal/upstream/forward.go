package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/openvanguard/vanguard/internal"
)

// maxBodyBytes caps buffered request bodies. Requests are buffered so retries
// can replay them; anything larger is rejected rather than truncated.
// Responses are never buffered or capped, they stream straight through.
const maxBodyBytes = 32 << 20

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forward proxies the inbound request to the upstream at the rewritten path.
// The session cookie never crosses the gateway boundary: identity travels as
// the user, permission, and trace headers plus a bearer token, all taken from
// the request context.
func (c *Client) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return fmt.Errorf("%w: read request body: %v", gateway.ErrBadRequest, err)
		}
		if len(body) > maxBodyBytes {
			return fmt.Errorf("%w: request body exceeds %d bytes", gateway.ErrBadRequest, maxBodyBytes)
		}
	}

	header := outboundHeader(ctx, r.Header)
	target := path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	resp, err := c.Do(ctx, func(baseURL string) (*http.Request, error) {
		var reqBody io.Reader
		if len(body) > 0 {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, baseURL+target, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header = header.Clone()
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	return copyBody(w, resp)
}

// outboundHeader builds the headers forwarded upstream: the client's own
// headers minus hop-by-hop, credentials, and anything a caller could use to
// impersonate the gateway, then the gateway's identity headers from ctx.
func outboundHeader(ctx context.Context, in http.Header) http.Header {
	out := make(http.Header, len(in)+4)
	for key, vals := range in {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case "Cookie", "Authorization",
			gateway.SessionHeader, gateway.UserHeader, gateway.PermHeader, gateway.TraceHeader:
			continue
		}
		out[key] = vals
	}

	if traceID := gateway.TraceIDFromContext(ctx); traceID != "" {
		out.Set(gateway.TraceHeader, traceID)
	}
	if sess := gateway.SessionFromContext(ctx); sess != nil {
		out.Set(gateway.UserHeader, sess.UserID)
		if sess.AccessToken != "" {
			out.Set("Authorization", "Bearer "+sess.AccessToken)
		}
	}
	if perm := gateway.PermissionFromContext(ctx); perm != "" {
		out.Set(gateway.PermHeader, perm)
	}
	return out
}

// copyBody streams the upstream response back, flushing per read for
// event-stream and NDJSON payloads so proxied streams stay live.
func copyBody(w http.ResponseWriter, resp *http.Response) error {
	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	streaming := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson"))

	if streaming {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("write response: %w", writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("read response: %w", readErr)
			}
		}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copy response: %w", err)
	}
	return nil
}
