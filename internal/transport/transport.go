// Package transport is the shared outbound-HTTP helper every role uses to
// talk to peers: prepare/accept fan-out, learner notifications, gossip
// push, heartbeats and client proposals. It centralizes the
// retry+exponential-backoff+jitter policy spec §4/§5 specifies per call
// site instead of letting each caller hand-roll its own retry loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Client wraps an *http.Client with retrying JSON helpers.
type Client struct {
	http *http.Client
}

// New builds a transport whose per-attempt timeout is attemptTimeout.
func New(attemptTimeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: attemptTimeout}}
}

// Policy describes one call site's retry shape. Base and Factor map onto
// backoff.ExponentialBackOff's InitialInterval and Multiplier; MaxAttempts
// caps the number of tries (spec callers all specify "≤ 3 tries"). MaxJitter
// is not read by backOff, which randomizes every interval by a fixed ±30%.
type Policy struct {
	Base        time.Duration
	Factor      float64
	MaxJitter   time.Duration
	MaxAttempts uint64
}

// DefaultPeerPolicy is the "base 1s, factor 2, ≤3 tries" policy spec §4.3
// specifies for proposer→acceptor prepare/accept fan-out.
var DefaultPeerPolicy = Policy{Base: time.Second, Factor: 2, MaxJitter: 300 * time.Millisecond, MaxAttempts: 3}

// GossipPushPolicy is the "factor 1.5" policy spec §4.4 specifies for
// gossip push.
var GossipPushPolicy = Policy{Base: 2 * time.Second, Factor: 1.5, MaxJitter: 300 * time.Millisecond, MaxAttempts: 3}

func (p Policy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = 0.3
	eb.MaxInterval = p.Base * time.Duration(1<<p.MaxAttempts)
	return backoff.WithMaxRetries(eb, p.MaxAttempts-1)
}

// PostJSON POSTs body as JSON to url, retrying per policy, and decodes the
// response body into out (when out is non-nil and the call succeeds with a
// 2xx). PeerTransient failures (timeouts, non-2xx, network errors) are
// tried up to policy.MaxAttempts times in all and then returned to the caller,
// which per spec §7 must log-and-drop rather than propagate them further.
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}, out interface{}, policy Policy) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "marshaling request body")
	}

	var statusCode int
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Wrap(err, "posting to peer")
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			return errors.Errorf("peer returned %d: %s", resp.StatusCode, string(data))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(errors.Wrap(err, "decoding peer response"))
			}
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy.backOff(), ctx)); err != nil {
		return statusCode, err
	}
	return statusCode, nil
}

// GetJSON GETs url and decodes the response into out, with no retry — used
// for reads where staleness is cheaper than latency (client reads).
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "getting from peer")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, errors.Errorf("peer returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding peer response")
		}
	}
	return resp.StatusCode, nil
}

// PostJSONOnce POSTs body as JSON with no retry and decodes whatever status
// comes back into out, treating every status code as a meaningful structured
// response rather than a PeerTransient failure. Used for client-to-proposer
// calls, where a 403/429/503 carries the NotLeader/Busy/NoQuorumAvailable
// payload the caller needs to act on, not something to retry away.
func (c *Client) PostJSONOnce(ctx context.Context, url string, body interface{}, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "marshaling request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "posting to peer")
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding peer response")
		}
	}
	return resp.StatusCode, nil
}
