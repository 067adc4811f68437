package netmon

import (
	"context"
	"net/http"
	"time"
)

// HTTPProber measures reachability by issuing a HEAD request against the
// gateway base URL and timing the round trip. Downlink is not measured;
// classification then leans on RTT alone.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProber creates a prober with a short per-probe timeout.
func NewHTTPProber(baseURL string) *HTTPProber {
	return &HTTPProber{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 3 * time.Second},
	}
}

// Probe implements Prober. Any transport error means offline; an HTTP
// response of any status means the link is up.
func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.BaseURL, nil)
	if err != nil {
		return Sample{}, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Sample{Online: false}, nil
	}
	_ = resp.Body.Close()

	return Sample{Online: true, RTT: time.Since(start)}, nil
}
