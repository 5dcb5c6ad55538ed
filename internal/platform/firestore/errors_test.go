package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stocksync/api/internal/platform/config"
	"github.com/stocksync/api/internal/repositories"
)

func configWithProject(projectID string) config.FirestoreConfig {
	return config.FirestoreConfig{ProjectID: projectID}
}

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		err := WrapError("channelAccounts.get", status.Error(tc.code, "boom"))
		if repositories.IsNotFound(err) != tc.notFound {
			t.Fatalf("%s: IsNotFound = %v", tc.code, !tc.notFound)
		}
		if repositories.IsConflict(err) != tc.conflict {
			t.Fatalf("%s: IsConflict = %v", tc.code, !tc.conflict)
		}
		if repositories.IsUnavailable(err) != tc.unavailable {
			t.Fatalf("%s: IsUnavailable = %v", tc.code, !tc.unavailable)
		}
	}
}

func TestWrapErrorPassesCancellationThrough(t *testing.T) {
	if err := WrapError("op", context.Canceled); err != context.Canceled {
		t.Fatalf("expected context.Canceled unchanged, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.DeadlineExceeded, "slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if repositories.IsUnavailable(WrapError("op", status.Error(codes.Canceled, "gone"))) {
		t.Fatal("cancellation must not be reported as unavailable")
	}
}

func TestWrapErrorKeepsExistingClassification(t *testing.T) {
	inner := WrapError("processedOrders.get", status.Error(codes.NotFound, "missing"))
	outer := WrapError("transaction", inner)
	if outer != inner {
		t.Fatalf("expected classified error to be returned as is, got %v", outer)
	}
	if outer.Error() != "processedOrders.get: rpc error: code = NotFound desc = missing" {
		t.Fatalf("unexpected message %q", outer.Error())
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Fatal("expected nil")
	}
}

func TestProviderClosed(t *testing.T) {
	provider := NewProvider(configWithProject("demo"))
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := provider.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func TestProviderTransactionPolicy(t *testing.T) {
	t.Setenv("FIRESTORE_EMULATOR_HOST", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "fallback-project")

	provider := NewProvider(configWithProject(""), WithTransactionPolicy(0, 3*time.Second))
	if provider.attempts != txAttempts || provider.timeout != 3*time.Second {
		t.Fatalf("unexpected policy attempts=%d timeout=%s", provider.attempts, provider.timeout)
	}
	if provider.projectID != "fallback-project" {
		t.Fatalf("expected project fallback, got %q", provider.projectID)
	}
}

func TestCollectionRejectsBlankIDs(t *testing.T) {
	coll := NewCollection[struct{}](NewProvider(configWithProject("demo")), "tenants")
	if _, err := coll.Doc(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank document id")
	}
}
