package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Some backends only accept inline binary content, but callers are allowed
// to reference images and documents by http(s) URI. resolvePart downloads
// the remote payload and swaps the URI for its base64 encoding before the
// request is dispatched, so every adapter sees inline data.

// maxFetchBytes caps remote media downloads. Anthropic and Gemini both
// reject payloads well below this, so anything larger is a caller mistake.
const maxFetchBytes = 32 << 20 // 32 MiB

// isRemote reports whether a part's Data field is a URI rather than an
// inline base64 payload.
func isRemote(data string) bool {
	return strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://")
}

// resolvePart returns p with any remote Data fetched and base64-encoded.
// Text parts and already-inline parts come back unchanged. Download
// failures are FetchErrors, which the resilience wrapper treats as
// retryable.
func resolvePart(ctx context.Context, client *http.Client, p Part) (Part, error) {
	if p.Type == PartText || !isRemote(p.Data) {
		return p, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Data, nil)
	if err != nil {
		return p, &FetchError{URL: p.Data, Err: err}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return p, &FetchError{URL: p.Data, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p, &FetchError{URL: p.Data, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return p, &FetchError{URL: p.Data, Err: err}
	}
	if len(raw) > maxFetchBytes {
		return p, &FetchError{URL: p.Data, Err: fmt.Errorf("payload exceeds %d bytes", maxFetchBytes)}
	}

	// Fall back to the server's Content-Type when the part didn't name one.
	if p.MediaType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			p.MediaType = strings.TrimSpace(strings.Split(ct, ";")[0])
		}
	}

	p.Data = base64.StdEncoding.EncodeToString(raw)
	return p, nil
}

// resolveMessages applies resolvePart to every part of every message,
// returning a copy so the caller's request is never mutated (retries reuse
// the original request).
func resolveMessages(ctx context.Context, client *http.Client, msgs []Message) ([]Message, error) {
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		if msg.Parts == nil {
			continue
		}
		parts := make([]Part, len(msg.Parts))
		for j, p := range msg.Parts {
			resolved, err := resolvePart(ctx, client, p)
			if err != nil {
				return nil, err
			}
			parts[j] = resolved
		}
		out[i].Parts = parts
	}
	return out, nil
}
