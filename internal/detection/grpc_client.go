package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ModelServiceName is the gRPC service every model server exposes.
// Messages are google.protobuf.Struct so no generated stubs are needed.
const ModelServiceName = "vision.v1.ModelService"

// GRPCClient provides gRPC-based model inference
type GRPCClient struct {
	endpoint   string
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
	healthy    bool
	healthMu   sync.RWMutex
	lastHealth time.Time
}

// GRPCClientConfig holds configuration for the gRPC client
type GRPCClientConfig struct {
	Endpoint    string
	DialTimeout time.Duration
	DialOptions []grpc.DialOption // appended after the defaults
}

// NewGRPCClient connects to a gRPC model service
func NewGRPCClient(config GRPCClientConfig) (*GRPCClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("grpc model client requires an endpoint")
	}

	gc := &GRPCClient{endpoint: config.Endpoint}
	if err := gc.connect(config); err != nil {
		return nil, fmt.Errorf("failed to connect to model service: %w", err)
	}
	return gc, nil
}

// connect establishes the gRPC connection
func (gc *GRPCClient) connect(config GRPCClientConfig) error {
	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithBlock(),
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.DialContext(ctx, gc.endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	gc.conn = conn
	gc.health = healthpb.NewHealthClient(conn)

	log.Printf("[ModelGRPC] Connected to %s", gc.endpoint)
	return nil
}

// Endpoint returns the dial target
func (gc *GRPCClient) Endpoint() string {
	return gc.endpoint
}

// IsHealthy checks the standard gRPC health service
func (gc *GRPCClient) IsHealthy() bool {
	gc.healthMu.RLock()
	if time.Since(gc.lastHealth) < 30*time.Second && gc.healthy {
		gc.healthMu.RUnlock()
		return true
	}
	gc.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := gc.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ModelServiceName})
	if err != nil {
		log.Printf("[ModelGRPC] Health check failed: %v", err)
		gc.healthMu.Lock()
		gc.healthy = false
		gc.healthMu.Unlock()
		return false
	}

	gc.healthMu.Lock()
	gc.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	gc.lastHealth = time.Now()
	gc.healthMu.Unlock()

	return gc.healthy
}

// Detect performs object detection
func (gc *GRPCClient) Detect(ctx context.Context, imageData []byte, confThreshold float64) (*DetectResult, error) {
	var result DetectResult
	err := gc.invoke(ctx, "Detect", imageData, map[string]interface{}{"conf_threshold": confThreshold}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Classify performs whole-image classification
func (gc *GRPCClient) Classify(ctx context.Context, imageData []byte, topK int) (*ClassifyResult, error) {
	var result ClassifyResult
	err := gc.invoke(ctx, "Classify", imageData, map[string]interface{}{"top_k": topK}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Recognize extracts text from the image
func (gc *GRPCClient) Recognize(ctx context.Context, imageData []byte, language string) (*RecognizeResult, error) {
	var result RecognizeResult
	err := gc.invoke(ctx, "Recognize", imageData, map[string]interface{}{"lang": language}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// invoke performs a unary call with Struct messages and decodes the reply into out
func (gc *GRPCClient) invoke(ctx context.Context, method string, imageData []byte, params map[string]interface{}, out interface{}) error {
	fields := map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(imageData),
	}
	for k, v := range params {
		fields[k] = v
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}

	resp := &structpb.Struct{}
	if err := gc.conn.Invoke(ctx, "/"+ModelServiceName+"/"+method, req, resp); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
			return &StatusError{Op: method, StatusCode: 429, Body: st.Message()}
		}
		return fmt.Errorf("%s call failed: %w", method, err)
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// Close shuts down the gRPC connection
func (gc *GRPCClient) Close() error {
	if gc.conn != nil {
		return gc.conn.Close()
	}
	return nil
}

var _ Client = (*GRPCClient)(nil)
