package agent

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tunly/tunly/internal/protocol"
)

// dispatch forwards one tunneled request to the local target and
// builds the response envelope. Failures never propagate: they become
// a 502 envelope so the gateway always gets an answer.
func (a *Agent) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()

	url := "http://" + strings.TrimSuffix(a.local, "/") + req.URI
	body := protocol.DecompressBody(req.BodyB64, req.IsCompressed)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, reader)
	if err != nil {
		// Unknown method token; retry as GET.
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, url, reader)
		if err != nil {
			return a.upstreamError(req, start, err)
		}
	}

	for _, p := range req.Headers {
		name, value := p.Name(), p.Value()
		if protocol.IsHopByHop(name) {
			continue
		}
		if strings.EqualFold(name, "Host") {
			httpReq.Host = "localhost:" + a.localPort()
			continue
		}
		httpReq.Header.Add(name, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return a.upstreamError(req, start, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return a.upstreamError(req, start, err)
	}

	b64, compressed := protocol.CompressBody(respBody)
	a.log.Info("local dispatch", "method", req.Method, "uri", req.URI,
		"status", resp.StatusCode, "duration", time.Since(start))

	return &protocol.Response{
		ID:           req.ID,
		Status:       resp.StatusCode,
		Headers:      protocol.CaptureHeaders(resp.Header),
		BodyB64:      b64,
		IsCompressed: compressed,
	}
}

func (a *Agent) upstreamError(req *protocol.Request, start time.Time, err error) *protocol.Response {
	a.log.Info("local dispatch failed", "method", req.Method, "uri", req.URI,
		"duration", time.Since(start), "error", err)

	b64, compressed := protocol.CompressBody([]byte("upstream error: " + err.Error()))
	return &protocol.Response{
		ID:           req.ID,
		Status:       http.StatusBadGateway,
		Headers:      []protocol.HeaderPair{{"content-type", "text/plain"}},
		BodyB64:      b64,
		IsCompressed: compressed,
	}
}

// localPort extracts the port of the configured local target,
// defaulting to 80.
func (a *Agent) localPort() string {
	_, port, err := net.SplitHostPort(a.local)
	if err != nil || port == "" {
		return "80"
	}
	return port
}
