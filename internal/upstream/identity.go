package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Identity performs permission and role lookups against the internal identity
// service. It satisfies permission.IdentityClient, so lookups inherit the
// client's breaker, retry, and bulkhead.
type Identity struct {
	client  *Client
	timeout time.Duration
}

// NewIdentity creates an Identity over the given client.
func NewIdentity(client *Client, timeout time.Duration) *Identity {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Identity{client: client, timeout: timeout}
}

// CheckPermission asks the identity service whether the user holds the
// permission code. An unknown user answers false without error.
func (i *Identity) CheckPermission(ctx context.Context, userID, code string) (bool, error) {
	body, status, err := i.get(ctx, "/api/internal/permissions?user="+
		url.QueryEscape(userID)+"&code="+url.QueryEscape(code))
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("%w: permission check status %d", gateway.ErrIdentityUnavailable, status)
	}
	return gjson.GetBytes(body, "granted").Bool(), nil
}

// Roles returns the user's role codes.
func (i *Identity) Roles(ctx context.Context, userID string) ([]string, error) {
	body, status, err := i.get(ctx, "/api/internal/roles?user="+url.QueryEscape(userID))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: roles status %d", gateway.ErrIdentityUnavailable, status)
	}
	var roles []string
	for _, v := range gjson.GetBytes(body, "roles").Array() {
		roles = append(roles, v.String())
	}
	return roles, nil
}

// deadlineMargin is reserved out of the request's remaining budget so the
// caller can still render an error response after an identity lookup times out.
const deadlineMargin = 50 * time.Millisecond

func (i *Identity) get(ctx context.Context, path string) ([]byte, int, error) {
	timeout := i.timeout
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline) - deadlineMargin
		if budget <= 0 {
			return nil, 0, fmt.Errorf("%w: request deadline exhausted", gateway.ErrIdentityUnavailable)
		}
		if budget < timeout {
			timeout = budget
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := i.client.Do(ctx, func(baseURL string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		if traceID := gateway.TraceIDFromContext(ctx); traceID != "" {
			req.Header.Set(gateway.TraceHeader, traceID)
		}
		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read identity response: %w", err)
	}
	return body, resp.StatusCode, nil
}
