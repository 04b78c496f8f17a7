package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the full gRPC method the adapter invokes. Payloads are
// google.protobuf.Struct messages so no generated stubs are needed.
const GenerateMethod = "/spritegate.generator.v1.Generator/Generate"

// retryAfterKey is the trailer carrying a rate-limit hint in seconds.
const retryAfterKey = "retry-after"

// GRPC calls a remote generator service.
type GRPC struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPC creates a client for addr. The connection is established lazily.
func NewGRPC(addr string, timeout time.Duration, logger *slog.Logger, opts ...grpc.DialOption) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to generator: %w", err)
	}
	return &GRPC{conn: conn, timeout: timeout, logger: logger}, nil
}

// Close releases the connection.
func (g *GRPC) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// Generate performs one unary call.
func (g *GRPC) Generate(ctx context.Context, req Request) (Result, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return Result{}, &Error{Class: ClassFailFast, Err: err}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var trailer metadata.MD
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, GenerateMethod, payload, resp, grpc.Trailer(&trailer)); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, ctx.Err()
		}
		classified := classifyStatus(err, trailer)
		g.logger.Debug("generator call failed", "key", req.Key(), "class", classified.Class, "error", err)
		return Result{}, classified
	}

	img, err := decodeImage(resp)
	if err != nil {
		return Result{}, &Error{Class: ClassTransient, Err: err}
	}
	return Result{Image: img}, nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"run_id":      req.RunID,
		"frame_index": req.FrameIndex,
		"attempt":     req.Attempt,
		"anchor_png":  base64.StdEncoding.EncodeToString(req.Anchor),
		"prompt":      req.Prompt,
		"resolution":  req.Resolution,
		"seed":        strconv.FormatUint(req.Seed, 10),
		"strategy":    req.Strategy,
	}
	if req.Previous != nil {
		fields["previous_png"] = base64.StdEncoding.EncodeToString(req.Previous)
	}
	if req.NegativePrompt != "" {
		fields["negative_prompt"] = req.NegativePrompt
	}
	if req.LoopClosure {
		fields["loop_closure"] = true
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

func decodeImage(resp *structpb.Struct) ([]byte, error) {
	v, ok := resp.GetFields()["image_png"]
	if !ok {
		return nil, errors.New("response missing image_png")
	}
	img, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode image_png: %w", err)
	}
	return img, nil
}

func classifyStatus(err error, trailer metadata.MD) *Error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return &Error{Class: ClassTransient, Err: err}
	case codes.ResourceExhausted:
		e := &Error{Class: ClassRateLimited, Err: err}
		if vals := trailer.Get(retryAfterKey); len(vals) > 0 {
			if secs, perr := strconv.ParseFloat(vals[0], 64); perr == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return e
	default:
		return &Error{Class: ClassFailFast, Err: err}
	}
}
