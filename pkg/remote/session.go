package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/core"
)

// DefaultConnectTimeout bounds session bootstrap.
const DefaultConnectTimeout = 10 * time.Second

// Connect opens a session against the node at nodeURL by binding to the
// oldest context hosted for applicationID.
func Connect(ctx context.Context, nodeURL, applicationID string, timeout time.Duration) (*HTTPClient, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpClient := &http.Client{Timeout: 60 * time.Second}
	target := strings.TrimRight(nodeURL, "/") + "/contexts?application_id=" + url.QueryEscape(applicationID)

	var contexts []core.ContextInfo
	if err := doJSON(ctx, httpClient, http.MethodGet, target, nil, &contexts); err != nil {
		if apperr.Is(err, apperr.KindTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindTimeout, "Connection timeout. The network may not be accessible.", err)
		}
		return nil, err
	}

	for _, c := range contexts {
		if c.ApplicationID == applicationID {
			return NewHTTPClient(nodeURL, c.ContextID, httpClient), nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "No contexts available for application %q. Make sure the node is running and the application is deployed.", applicationID)
}

// CreateContext asks the node to host a new context for applicationID.
func CreateContext(ctx context.Context, nodeURL, applicationID string) (*core.ContextInfo, error) {
	var info core.ContextInfo
	body := map[string]string{"application_id": applicationID}
	client := &http.Client{Timeout: 60 * time.Second}
	if err := doJSON(ctx, client, http.MethodPost, strings.TrimRight(nodeURL, "/")+"/contexts", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
