package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
)

// transport wraps the GraphQL and REST endpoints of one backend host.
type transport struct {
	graphqlURL string
	restURL    string
	token      string
	httpClient *http.Client
}

func newTransport(graphqlURL, restURL, token string) *transport {
	return &transport{
		graphqlURL: graphqlURL,
		restURL:    restURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// GraphQL posts a query and decodes the data payload into out.
func (t *transport) GraphQL(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.KindNetworkFailure, fmt.Errorf("graphql request: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "graphql"); err != nil {
		return err
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decoding graphql response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msg := gr.Errors[0].Message
		log.Warn(log.CatBoard, "GraphQL error", "message", msg, "type", gr.Errors[0].Type)
		if strings.EqualFold(gr.Errors[0].Type, "INSUFFICIENT_SCOPES") {
			return kilnerr.Newf(kilnerr.KindAuthFailure, "graphql: %s", msg)
		}
		return fmt.Errorf("graphql: %s", msg)
	}
	if out != nil {
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return fmt.Errorf("decoding graphql data: %w", err)
		}
	}
	return nil
}

// REST issues a JSON REST call. path is relative to the API root and
// must already be escaped. A nil out discards the response body.
func (t *transport) REST(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.restURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.KindNetworkFailure, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, method+" "+path); err != nil {
		return err
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func classifyStatus(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return kilnerr.Newf(kilnerr.KindAuthFailure, "%s: status %d", op, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case code >= 500 || code == http.StatusBadGateway:
		return kilnerr.Newf(kilnerr.KindNetworkFailure, "%s: status %d", op, code)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, code)
	}
}
