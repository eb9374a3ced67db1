package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
)

// SpannerAudit writes auth audit entries to the AuthAudit table. Writes run
// in a goroutine with their own deadline so the request path never waits on
// Spanner.
type SpannerAudit struct {
	client *spanner.Client
	logger *slog.Logger
}

// NewSpannerAudit connects to the audit database.
func NewSpannerAudit(project, instance, database string, logger *slog.Logger) (*SpannerAudit, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	path := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)
	client, err := spanner.NewClient(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create spanner client: %w", err)
	}
	return &SpannerAudit{client: client, logger: logger}, nil
}

func (a *SpannerAudit) Record(_ context.Context, e Entry) {
	if e.ID == "" {
		e.ID = fmt.Sprintf("%d-%s", e.At.UnixNano(), e.Kind)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m := spanner.InsertMap("AuthAudit", map[string]interface{}{
			"Id":        e.ID,
			"Kind":      e.Kind,
			"UserId":    e.UserID,
			"Ip":        e.IP,
			"CreatedAt": e.At,
		})
		if _, err := a.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
			if spanner.ErrCode(err) == codes.AlreadyExists {
				return
			}
			a.logger.Warn("audit write failed", "kind", e.Kind, "error", err)
		}
	}()
}

// Close releases the Spanner client.
func (a *SpannerAudit) Close() {
	a.client.Close()
}
