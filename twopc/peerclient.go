// Package twopc implements the clusterwide two-phase-commit coordinator
// (spec 4.F): PatchClusterwide merges a patch into the active
// configuration, validates it locally, then drives prepare/commit (or
// abort) across every participant's peer RPC endpoint.
//
// A commit failure does not roll back the participants already committed:
// PatchClusterwide keeps committing to the remaining participants, then
// returns the first commit error, and reconciliation is left to the
// operator.
//
// The peer transport is HTTP+JSON, grounded on the teacher's
// checker/external.go: a single *http.Client with a tuned Transport
// (bounded idle connections, no per-call client construction), one
// request built and decoded per call.
package twopc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"clusterconf/clusterconfig"
	"clusterconf/clustererr"
	"clusterconf/metrics"
)

const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	maxConnsPerHost     = 20
	idleConnTimeout     = 90 * time.Second
	prepareTimeout      = 5 * time.Second
)

// Endpoint paths, part of the wire contract named in section 6.
const (
	pathLoadFromFile = "/rpc/load_from_file"
	pathPrepare2PC   = "/rpc/prepare_2pc"
	pathCommit2PC    = "/rpc/commit_2pc"
	pathAbort2PC     = "/rpc/abort_2pc"
	pathValidateConf = "/rpc/validate_config"
	pathApplyConf    = "/rpc/apply_config"
)

// PeerClient is the concrete out-of-scope "peer transport" collaborator
// made real: every peer RPC call in the 2PC round and the peer fetcher
// goes through it.
type PeerClient struct {
	http   *http.Client
	logger *zap.Logger
}

// NewPeerClient builds a PeerClient with the teacher's connection-pool
// tuning.
func NewPeerClient(logger *zap.Logger) *PeerClient {
	return &PeerClient{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				MaxConnsPerHost:     maxConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
		logger: logger,
	}
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type configRequest struct {
	Config map[string]any `json:"config"`
}

func joinURL(uri, path string) string {
	u := strings.TrimSuffix(uri, "/")
	return u + path
}

func (c *PeerClient) post(ctx context.Context, uri, path string, body any) ([]byte, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.PeerRPCDuration.WithLabelValues(path, outcome).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			outcome = "error"
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(uri, path), reader)
	if err != nil {
		outcome = "error"
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		outcome = "error"
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		outcome = "error"
		return nil, fmt.Errorf("%s: read response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		outcome = "error"
		return nil, fmt.Errorf("%s: peer returned status %d: %s", path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *PeerClient) postOK(ctx context.Context, uri, path string, body any) error {
	raw, err := c.post(ctx, uri, path, body)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var resp okResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", path, resp.Error)
	}
	return nil
}

// Prepare2PC calls prepare_2pc on uri with a 5-second client timeout.
func (c *PeerClient) Prepare2PC(ctx context.Context, uri string, doc clusterconfig.Doc) error {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()
	return c.postOK(ctx, uri, pathPrepare2PC, configRequest{Config: doc})
}

// Commit2PC calls commit_2pc on uri with no client-side timeout: the
// remote loads the promoted file and runs its local applier pipeline,
// which may legitimately take a while.
func (c *PeerClient) Commit2PC(ctx context.Context, uri string) error {
	return c.postOK(ctx, uri, pathCommit2PC, nil)
}

// Abort2PC calls abort_2pc on uri. It is idempotent on the remote side.
func (c *PeerClient) Abort2PC(ctx context.Context, uri string) error {
	return c.postOK(ctx, uri, pathAbort2PC, nil)
}

// ValidateConfig calls the older, standalone validate_config endpoint.
func (c *PeerClient) ValidateConfig(ctx context.Context, uri string, doc clusterconfig.Doc) error {
	return c.postOK(ctx, uri, pathValidateConf, configRequest{Config: doc})
}

// ApplyConfig calls the older, standalone apply_config endpoint (the
// single-phase form superseded by 2PC, kept reachable for a peer still
// speaking it).
func (c *PeerClient) ApplyConfig(ctx context.Context, uri string, doc clusterconfig.Doc) error {
	return c.postOK(ctx, uri, pathApplyConf, configRequest{Config: doc})
}

// LoadFromFile calls load_from_file on uri and decodes the returned
// active configuration.
func (c *PeerClient) LoadFromFile(ctx context.Context, uri string) (clusterconfig.Doc, error) {
	raw, err := c.post(ctx, uri, pathLoadFromFile, nil)
	if err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigFetch, err, "load_from_file against %s", uri)
	}
	doc, err := clusterconfig.Decode(raw)
	if err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigFetch, err, "decode response from %s", uri)
	}
	return doc, nil
}

// Close releases idle pooled connections.
func (c *PeerClient) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
