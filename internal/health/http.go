package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

type httpProber struct {
	client *http.Client
}

func (p *httpProber) probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult {
	url := httpURL(spec.Target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.NewResult(domain.HealthError, fmt.Sprintf("build request: %v", err), nil)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return classifyNetErr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return classifyNetErr(ctx, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		res := decodeAndEvaluate(spec, body)
		res.Status = domain.HealthUnhealthy
		res.Message = fmt.Sprintf("http status %d", resp.StatusCode)
		return res
	}
	return decodeAndEvaluate(spec, body)
}

// httpURL дополняет схему и путь по умолчанию
func httpURL(target string) string {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "http://" + target
	}
	rest := target[strings.Index(target, "://")+3:]
	if !strings.Contains(rest, "/") {
		target += domain.DefaultHealthPath
	}
	return target
}
