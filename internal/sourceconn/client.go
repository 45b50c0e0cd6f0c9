package sourceconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	grpc_health "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/bioflow/collector/internal/core/domain"
)

// SourceServiceClient talks to the upstream service that originally
// produced a failed operation. It retrieves the original payload and
// resubmits it during a retry.
type SourceServiceClient interface {
	GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) (*domain.PayloadResponse, error)
	SubmitRetry(ctx context.Context, exc *domain.InterfaceException, payload json.RawMessage) error
	ServiceName() string
}

// Registry maps interface types to their source service clients.
type Registry struct {
	clients  map[domain.InterfaceType]SourceServiceClient
	fallback SourceServiceClient
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.InterfaceType]SourceServiceClient)}
}

func (r *Registry) Register(t domain.InterfaceType, c SourceServiceClient) {
	r.clients[t] = c
}

func (r *Registry) SetFallback(c SourceServiceClient) {
	r.fallback = c
}

// ClientFor returns the client responsible for the interface type, or
// the fallback when none is registered.
func (r *Registry) ClientFor(t domain.InterfaceType) (SourceServiceClient, error) {
	if c, ok := r.clients[t]; ok {
		return c, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no source client registered for interface type %s", t)
}

// jsonCodec lets us exchange JSON frames over gRPC without generated
// message types. The upstream payload service speaks a generic
// request/reply contract.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.(*json.RawMessage); ok {
		return *raw, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type payloadRequest struct {
	TransactionID string `json:"transaction_id"`
	ExternalID    string `json:"external_id"`
	Operation     string `json:"operation"`
}

type retrySubmission struct {
	TransactionID string          `json:"transaction_id"`
	ExternalID    string          `json:"external_id"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
}

// grpcClient is the gRPC-backed source service client. All calls go
// through the connection Manager's current requester so a reconnect
// transparently swaps the underlying channel.
type grpcClient struct {
	manager *Manager
	service string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPCClient builds a client that routes requests through the
// shared connection manager.
func NewGRPCClient(manager *Manager, service string, timeout time.Duration) SourceServiceClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &grpcClient{
		manager: manager,
		service: service,
		timeout: timeout,
		logger:  slog.Default().With("component", "source-client", "service", service),
	}
}

func (c *grpcClient) ServiceName() string { return c.service }

func (c *grpcClient) GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) (*domain.PayloadResponse, error) {
	req, err := json.Marshal(payloadRequest{
		TransactionID: exc.TransactionID,
		ExternalID:    exc.ExternalID,
		Operation:     exc.Operation,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.invoke(ctx, routeFor(exc, "payload"), req)
	if err != nil {
		return &domain.PayloadResponse{
			Retrieved:     false,
			ErrorMessage:  err.Error(),
			SourceService: c.service,
		}, err
	}
	return &domain.PayloadResponse{
		Retrieved:     true,
		Payload:       raw,
		SourceService: c.service,
	}, nil
}

func (c *grpcClient) SubmitRetry(ctx context.Context, exc *domain.InterfaceException, payload json.RawMessage) error {
	req, err := json.Marshal(retrySubmission{
		TransactionID: exc.TransactionID,
		ExternalID:    exc.ExternalID,
		Operation:     exc.Operation,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, routeFor(exc, "retry"), req)
	return err
}

func (c *grpcClient) invoke(ctx context.Context, route string, req []byte) (json.RawMessage, error) {
	requester := c.manager.GetRequester()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in := json.RawMessage(req)
	var out json.RawMessage
	if err := requester.Invoke(ctx, route, &in, &out); err != nil {
		return nil, fmt.Errorf("source call %s: %w", route, err)
	}
	return out, nil
}

func routeFor(exc *domain.InterfaceException, op string) string {
	return fmt.Sprintf("/source.%s/%s", exc.InterfaceType, op)
}

// IsTransportError reports whether err indicates the channel itself
// failed rather than the remote rejecting the request. Only transport
// failures justify tearing down the connection: an application-level
// error (NotFound, InvalidArgument, ...) arrived over a healthy
// channel.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSourceUnavailable) {
		// Already in fallback mode; the manager knows.
		return false
	}
	return status.Code(err) == codes.Unavailable
}

// Requester abstracts a live channel to the source service. The
// manager swaps implementations as connections drop and recover.
type Requester interface {
	Invoke(ctx context.Context, route string, req, reply *json.RawMessage) error
	Healthy(ctx context.Context) bool
	Close() error
}

// grpcRequester wraps a ClientConn. Routes map directly onto full
// gRPC method names.
type grpcRequester struct {
	conn *grpc.ClientConn
}

func dialGRPC(ctx context.Context, target string, timeout time.Duration) (Requester, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &grpcRequester{conn: conn}, nil
}

func (r *grpcRequester) Invoke(ctx context.Context, route string, req, reply *json.RawMessage) error {
	return r.conn.Invoke(ctx, route, req, reply)
}

// Healthy probes the standard health service. A missing health
// endpoint does not count as unhealthy; only an explicit NOT_SERVING
// or transport failure does.
func (r *grpcRequester) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := grpc_health.NewHealthClient(r.conn).Check(ctx, &grpc_health.HealthCheckRequest{})
	if status.Code(err) == codes.Unimplemented {
		// No health service exposed: assume serving.
		return true
	}
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health.HealthCheckResponse_SERVING
}

func (r *grpcRequester) Close() error {
	return r.conn.Close()
}

// fallbackRequester answers every call with a degraded-mode error so
// retry attempts fail fast instead of hanging while the source is
// down.
type fallbackRequester struct{}

func (fallbackRequester) Invoke(ctx context.Context, route string, req, reply *json.RawMessage) error {
	return fmt.Errorf("source connection in fallback mode: %w", ErrSourceUnavailable)
}

func (fallbackRequester) Healthy(ctx context.Context) bool { return false }

func (fallbackRequester) Close() error { return nil }
