package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"spritegate/internal/failure"
	"spritegate/internal/fsutil"
	"spritegate/internal/logging"
)

var fakePNG = append([]byte("\x89PNG\r\n\x1a\nbody"), pngTrailer...)

// startGenerator serves GenerateMethod with handle and returns its address.
func startGenerator(t *testing.T, handle func(req *structpb.Struct, stream grpc.ServerStream) (*structpb.Struct, error)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != GenerateMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := handle(req, stream)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go srv.Serve(listener)
	t.Cleanup(srv.Stop)
	return listener.Addr().String()
}

func TestGRPCGenerate(t *testing.T) {
	var got *structpb.Struct
	addr := startGenerator(t, func(req *structpb.Struct, _ grpc.ServerStream) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{"image_png": base64.StdEncoding.EncodeToString(fakePNG)})
	})

	g, err := NewGRPC(addr, 5*time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("new grpc: %v", err)
	}
	defer g.Close()

	res, err := g.Generate(context.Background(), Request{
		RunID: "run", FrameIndex: 2, Attempt: 1, Anchor: []byte{1, 2}, Prompt: "knight walk",
		Resolution: 512, Seed: 1<<63 + 1, LoopClosure: true, Strategy: "reroll_seed",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(res.Image) != string(fakePNG) {
		t.Fatalf("unexpected image bytes")
	}
	fields := got.GetFields()
	if fields["seed"].GetStringValue() != "9223372036854775809" {
		t.Fatalf("expected seed as decimal string, got %v", fields["seed"])
	}
	if !fields["loop_closure"].GetBoolValue() || fields["frame_index"].GetNumberValue() != 2 {
		t.Fatalf("unexpected request fields %v", fields)
	}
	if _, ok := fields["previous_png"]; ok {
		t.Fatalf("expected previous_png to be omitted")
	}
}

func TestGRPCClassifiesStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		trailer    metadata.MD
		want       Class
		retryAfter time.Duration
		code       failure.Code
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), nil, ClassTransient, 0, failure.CodeGeneratorTransient},
		{"internal", status.Error(codes.Internal, "boom"), nil, ClassTransient, 0, failure.CodeGeneratorTransient},
		{"rate limited", status.Error(codes.ResourceExhausted, "slow down"), metadata.Pairs("retry-after", "2"), ClassRateLimited, 2 * time.Second, failure.CodeGeneratorRateLimited},
		{"invalid", status.Error(codes.InvalidArgument, "bad prompt"), nil, ClassFailFast, 0, failure.CodeGeneratorFailFast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startGenerator(t, func(_ *structpb.Struct, stream grpc.ServerStream) (*structpb.Struct, error) {
				if tt.trailer != nil {
					stream.SetTrailer(tt.trailer)
				}
				return nil, tt.err
			})
			g, err := NewGRPC(addr, 5*time.Second, logging.Discard())
			if err != nil {
				t.Fatalf("new grpc: %v", err)
			}
			defer g.Close()

			_, err = g.Generate(context.Background(), Request{RunID: "run"})
			var ge *Error
			if !errors.As(err, &ge) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ge.Class != tt.want || ge.RetryAfter != tt.retryAfter {
				t.Fatalf("expected %s/%v, got %s/%v", tt.want, tt.retryAfter, ge.Class, ge.RetryAfter)
			}
			if Code(err) != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, Code(err))
			}
		})
	}
}

func TestFileDropRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fd, err := NewFileDrop(dir, 5*time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("new filedrop: %v", err)
	}
	req := Request{RunID: "run", FrameIndex: 0, Attempt: 0, Prompt: "idle"}

	go func() {
		path := fd.RequestPath(req.Key())
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(path); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		_ = fsutil.WriteFileAtomic(filepath.Join(fd.ResultDir(), req.Key()+".png"), fakePNG, 0o644)
	}()

	res, err := fd.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(res.Image) != string(fakePNG) {
		t.Fatalf("unexpected image bytes")
	}

	data, err := os.ReadFile(fd.RequestPath(req.Key()))
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var written Request
	if err := json.Unmarshal(data, &written); err != nil || written.Prompt != "idle" {
		t.Fatalf("unexpected request file %s (%v)", data, err)
	}
}

func TestFileDropErrorAnswer(t *testing.T) {
	dir := t.TempDir()
	fd, err := NewFileDrop(dir, 5*time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("new filedrop: %v", err)
	}
	req := Request{RunID: "run", FrameIndex: 3, Attempt: 2}
	answer := []byte(`{"class":"rate_limited","message":"quota","retry_after_seconds":1.5}`)
	if err := os.WriteFile(filepath.Join(fd.ResultDir(), req.Key()+".error.json"), answer, 0o644); err != nil {
		t.Fatalf("write answer: %v", err)
	}

	_, err = fd.Generate(context.Background(), req)
	var ge *Error
	if !errors.As(err, &ge) || ge.Class != ClassRateLimited || ge.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("expected rate limited error with hint, got %v", err)
	}
}

func TestFileDropTimeoutAndCancel(t *testing.T) {
	fd, err := NewFileDrop(t.TempDir(), 50*time.Millisecond, logging.Discard())
	if err != nil {
		t.Fatalf("new filedrop: %v", err)
	}
	_, err = fd.Generate(context.Background(), Request{RunID: "run"})
	if !errors.Is(err, ErrTimeout) || ClassOf(err) != ClassTransient {
		t.Fatalf("expected transient timeout, got %v", err)
	}

	fd.timeout = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fd.Generate(ctx, Request{RunID: "run", Attempt: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
