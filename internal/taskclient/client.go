// Package taskclient implements the HTTP client the Supervisor uses to
// query and command a running IndexTask, talking to the
// Runner's chat surface.
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// ErrUncontactable is returned once a call has exhausted its retry
// budget without a usable response.
var ErrUncontactable = errors.New("taskclient: task did not respond within the retry budget")

// ErrRejected reports a 4xx response from the task — the call reached
// the task but it declined (bad state, offset regression, partition
// mismatch); the Supervisor treats this as non-retryable.
var ErrRejected = errors.New("taskclient: task rejected the request")

// Client is the task-facing surface the Supervisor drives per replica.
type Client interface {
	Status(ctx context.Context, baseURL string) (string, error)
	StartTime(ctx context.Context, baseURL string) (time.Time, error)
	CurrentOffsets(ctx context.Context, baseURL string, flavor partitions.Flavor) (map[partitions.ID]sequence.Number, error)
	EndOffsets(ctx context.Context, baseURL string, flavor partitions.Flavor) (map[partitions.ID]sequence.Number, error)
	Checkpoints(ctx context.Context, baseURL string, flavor partitions.Flavor) ([]map[partitions.ID]sequence.Number, error)
	Pause(ctx context.Context, baseURL string, flavor partitions.Flavor) (map[partitions.ID]sequence.Number, error)
	Resume(ctx context.Context, baseURL string) error
	Stop(ctx context.Context, baseURL string) error
	SetEndOffsets(ctx context.Context, baseURL string, flavor partitions.Flavor, offsets map[partitions.ID]sequence.Number, finish bool) error
}

// HTTPClient is the default Client: plain net/http calls retried with
// dskit/backoff (dskit/backoff.Config{MinBackoff, MaxBackoff, MaxRetries}).
type HTTPClient struct {
	hc         *http.Client
	backoffCfg backoff.Config
}

// New builds an HTTPClient. httpTimeout bounds each individual call;
// retries is the chatRetries budget of attempts before a call gives up
// and returns ErrUncontactable.
func New(httpTimeout time.Duration, retries int) *HTTPClient {
	return &HTTPClient{
		hc: &http.Client{Timeout: httpTimeout},
		backoffCfg: backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			MaxRetries: retries,
		},
	}
}

func (c *HTTPClient) Status(ctx context.Context, baseURL string) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.doJSON(ctx, http.MethodGet, baseURL+"/status", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (c *HTTPClient) StartTime(ctx context.Context, baseURL string) (time.Time, error) {
	var out struct {
		StartTime string `json:"startTime"`
	}
	if err := c.doJSON(ctx, http.MethodGet, baseURL+"/time/start", nil, &out); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("2006-01-02T15:04:05.000Z", out.StartTime)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "taskclient: parsing start time")
	}
	return t, nil
}

func (c *HTTPClient) CurrentOffsets(ctx context.Context, baseURL string, flavor partitions.Flavor) (map[partitions.ID]sequence.Number, error) {
	var wire map[string]string
	if err := c.doJSON(ctx, http.MethodGet, baseURL+"/offsets/current", nil, &wire); err != nil {
		return nil, err
	}
	return decodeOffsets(flavor, wire), nil
}

func (c *HTTPClient) EndOffsets(ctx context.Context, baseURL string, flavor partitions.Flavor) (map[partitions.ID]sequence.Number, error) {
	var wire map[string]string
	if err := c.doJSON(ctx, http.MethodGet, baseURL+"/offsets/end", nil, &wire); err != nil {
		return nil, err
	}
	return decodeOffsets(flavor, wire), nil
}

func (c *HTTPClient) Checkpoints(ctx context.Context, baseURL string, flavor partitions.Flavor) ([]map[partitions.ID]sequence.Number, error) {
	var wire []map[string]string
	if err := c.doJSON(ctx, http.MethodGet, baseURL+"/checkpoints", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]map[partitions.ID]sequence.Number, 0, len(wire))
	for _, w := range wire {
		out = append(out, decodeOffsets(flavor, w))
	}
	return out, nil
}

func (c *HTTPClient) Pause(ctx context.Context, baseURL string, flavor partitions.Flavor) (map[partitions.ID]sequence.Number, error) {
	var wire map[string]string
	if err := c.doJSON(ctx, http.MethodPost, baseURL+"/pause", nil, &wire); err != nil {
		return nil, err
	}
	return decodeOffsets(flavor, wire), nil
}

func (c *HTTPClient) Resume(ctx context.Context, baseURL string) error {
	return c.doJSON(ctx, http.MethodPost, baseURL+"/resume", nil, nil)
}

func (c *HTTPClient) Stop(ctx context.Context, baseURL string) error {
	return c.doJSON(ctx, http.MethodPost, baseURL+"/stop", nil, nil)
}

func (c *HTTPClient) SetEndOffsets(ctx context.Context, baseURL string, flavor partitions.Flavor, offsets map[partitions.ID]sequence.Number, finish bool) error {
	body, err := json.Marshal(encodeOffsets(offsets))
	if err != nil {
		return errors.Wrap(err, "taskclient: encoding offsets")
	}
	url := baseURL + "/offsets/end?finish=" + strconv.FormatBool(finish)
	return c.doJSON(ctx, http.MethodPost, url, body, nil)
}

// doJSON performs one logical call, retrying transport errors and 5xx
// responses up to the configured backoff budget. A 4xx response is
// returned as ErrRejected immediately — the task is reachable and has
// made a decision, so retrying cannot help.
func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	b := backoff.New(ctx, c.backoffCfg)
	var lastErr error
	for b.Ongoing() {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return errors.Wrap(err, "taskclient: building request")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			b.Wait()
			continue
		}

		status, rejected, decodeErr := c.consume(resp, out)
		if rejected {
			return errors.Wrapf(ErrRejected, "status %d from %s", status, url)
		}
		if status == http.StatusAccepted {
			lastErr = fmt.Errorf("taskclient: %s not yet observed (202)", url)
			b.Wait()
			continue
		}
		if decodeErr != nil {
			lastErr = decodeErr
			b.Wait()
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("taskclient: %s returned status %d", url, status)
			b.Wait()
			continue
		}
		return nil
	}
	if lastErr != nil {
		return errors.Wrapf(ErrUncontactable, "%s: %s", url, lastErr)
	}
	return errors.Wrapf(ErrUncontactable, "%s: %s", url, b.Err())
}

func (c *HTTPClient) consume(resp *http.Response, out interface{}) (status int, rejected bool, err error) {
	defer resp.Body.Close()
	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, false, readErr
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return resp.StatusCode, true, nil
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return resp.StatusCode, false, nil
	}
	return resp.StatusCode, false, json.Unmarshal(data, out)
}
