package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubSecretClient struct {
	accessFn func(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	calls    int
}

func (s *stubSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.calls++
	return s.accessFn(ctx, req)
}

func (s *stubSecretClient) Close() error { return nil }

func payload(value string) *secretmanagerpb.AccessSecretVersionResponse {
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}
}

func TestResolveSecretRemoteAndCache(t *testing.T) {
	client := &stubSecretClient{
		accessFn: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.Name != "projects/lm-dev/secrets/stripe-api/versions/latest" {
				t.Fatalf("unexpected resource name: %s", req.Name)
			}
			return payload("sk_test_abc"), nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithProject("lm-dev"),
		WithSecretManagerClient(client),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		value, err := fetcher.ResolveSecret(context.Background(), "secret://stripe-api")
		if err != nil {
			t.Fatalf("ResolveSecret returned error: %v", err)
		}
		if value != "sk_test_abc" {
			t.Fatalf("unexpected value: %s", value)
		}
	}

	if client.calls != 1 {
		t.Errorf("expected single remote call, got %d", client.calls)
	}
}

func TestResolveSecretVersionAndProjectOverride(t *testing.T) {
	client := &stubSecretClient{
		accessFn: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.Name != "projects/lm-prod/secrets/webhook/versions/3" {
				t.Fatalf("unexpected resource name: %s", req.Name)
			}
			return payload("whsec_3"), nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithProject("lm-dev"),
		WithSecretManagerClient(client),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.ResolveSecret(context.Background(), "secret://webhook?version=3&project=lm-prod")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if value != "whsec_3" {
		t.Errorf("unexpected value: %s", value)
	}
}

func TestResolveSecretFallbackFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	contents := "# local secrets\nsecret://stripe-api=sk_local\nsm://webhook=whsec_local\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}

	client := &stubSecretClient{
		accessFn: func(_ context.Context, _ *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.PermissionDenied, "denied")
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithProject("lm-dev"),
		WithSecretManagerClient(client),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.ResolveSecret(context.Background(), "secret://stripe-api")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if value != "sk_local" {
		t.Errorf("unexpected fallback value: %s", value)
	}

	value, err = fetcher.ResolveSecret(context.Background(), "secret://webhook")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if value != "whsec_local" {
		t.Errorf("expected sm:// key normalised, got %s", value)
	}
}

func TestResolveSecretHardError(t *testing.T) {
	client := &stubSecretClient{
		accessFn: func(_ context.Context, _ *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.InvalidArgument, "bad request")
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithProject("lm-dev"),
		WithSecretManagerClient(client),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.ResolveSecret(context.Background(), "secret://stripe-api"); err == nil {
		t.Fatal("expected error for non-fallback failure")
	}
}

func TestResolveSecretInvalidReference(t *testing.T) {
	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(&stubSecretClient{}),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.ResolveSecret(context.Background(), "vault://thing"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := fetcher.ResolveSecret(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty reference")
	}
}
