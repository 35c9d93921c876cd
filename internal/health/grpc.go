package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// grpcProber — стандартный протокол grpc.health.v1. Имя сервиса берется из request_payload.service.
type grpcProber struct{}

func (p *grpcProber) probe(ctx context.Context, spec domain.HealthCheckSpec) domain.HealthCheckResult {
	target := socketAddr(strings.TrimPrefix(spec.Target, "grpc://"))

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return domain.NewResult(domain.HealthError, fmt.Sprintf("grpc client: %v", err), nil)
	}
	defer conn.Close()

	service, _ := spec.RequestPayload["service"].(string)
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service}, grpc.WaitForReady(false))
	if err != nil {
		return classifyGRPCErr(ctx, err)
	}

	raw := map[string]any{}
	if data, mErr := protojson.Marshal(resp); mErr == nil {
		_ = json.Unmarshal(data, &raw)
	}

	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return domain.NewResult(domain.HealthHealthy, "", raw)
	}
	return domain.NewResult(domain.HealthUnhealthy, "grpc status "+resp.GetStatus().String(), raw)
}

func classifyGRPCErr(ctx context.Context, err error) domain.HealthCheckResult {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return domain.NewResult(domain.HealthTimeout, err.Error(), nil)
	case codes.Unavailable:
		if ctx.Err() != nil {
			return domain.NewResult(domain.HealthTimeout, err.Error(), nil)
		}
		return domain.NewResult(domain.HealthUnreachable, err.Error(), nil)
	case codes.Unimplemented:
		return domain.NewResult(domain.HealthError, "health service not implemented: "+err.Error(), nil)
	case codes.NotFound:
		return domain.NewResult(domain.HealthUnhealthy, err.Error(), nil)
	default:
		return domain.NewResult(domain.HealthError, err.Error(), nil)
	}
}
