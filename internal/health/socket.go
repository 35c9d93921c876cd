package health

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// maxReplySize — ограничение на размер ответа агента
const maxReplySize = 1 << 20

// socketProber — request/response по TCP: одна JSON-строка туда, одна обратно
type socketProber struct {
	dialer net.Dialer
}

func (p *socketProber) probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult {
	addr := socketAddr(spec.Target)

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyNetErr(ctx, fmt.Errorf("dial %s: %w", addr, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Отмена ctx раньше дедлайна тоже должна разбудить чтение
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload := spec.RequestPayload
	if len(payload) == 0 {
		payload = domain.DefaultRequestPayload()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewResult(domain.HealthError, fmt.Sprintf("encode request: %v", err), nil)
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		return classifyNetErr(ctx, fmt.Errorf("write: %w", err))
	}

	reply, err := bufio.NewReader(io.LimitReader(conn, maxReplySize)).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(reply) > 0) {
		return classifyNetErr(ctx, fmt.Errorf("read: %w", err))
	}

	return decodeAndEvaluate(spec, reply)
}

// socketAddr отрезает необязательный /path из host:port/path
func socketAddr(target string) string {
	target = strings.TrimPrefix(target, "tcp://")
	if i := strings.IndexByte(target, '/'); i >= 0 {
		return target[:i]
	}
	return target
}

// classifyNetErr: истекший дедлайн — TIMEOUT, прочие ошибки транспорта — UNREACHABLE
func classifyNetErr(ctx context.Context, err error) domain.HealthCheckResult {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewResult(domain.HealthTimeout, err.Error(), nil)
	default:
		return domain.NewResult(domain.HealthUnreachable, err.Error(), nil)
	}
}

// decodeAndEvaluate — общий хвост socket и HTTP транспорта
func decodeAndEvaluate(spec domain.HealthCheckSpec, body []byte) domain.HealthCheckResult {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.NewResult(domain.HealthError, fmt.Sprintf("invalid reply: %v", err), nil)
	}
	status, msg := Evaluate(spec, raw)
	return domain.NewResult(status, msg, raw)
}
