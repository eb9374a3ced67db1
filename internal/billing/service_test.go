package billing

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
)

const testWebhookSecret = "whsec_test"

type fakeStripe struct {
	priceCalls int32
	block      chan struct{}
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, p CheckoutParams) (*CheckoutSession, error) {
	return &CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

func (f *fakeStripe) GetPrice(_ context.Context, id string) (*Price, error) {
	atomic.AddInt32(&f.priceCalls, 1)
	if f.block != nil {
		<-f.block
	}
	return &Price{ID: id, UnitAmount: 500, Currency: "usd", Active: true}, nil
}

func seedBillingOrg(t *testing.T, m *store.Memory) (store.Tenant, string) {
	t.Helper()
	userID := uuid.NewString()
	now := time.Now().UTC()
	org := &store.Organization{
		ID: uuid.NewString(), Slug: "org-" + uuid.NewString()[:8], Name: "Billing Org",
		CreatedAt: now, UpdatedAt: now,
	}
	owner := &store.Membership{OrganizationID: org.ID, UserID: userID, RoleKey: store.RoleOwner, CreatedAt: now}
	require.NoError(t, m.CreateOrganization(context.Background(), store.Tenant{ActorUserID: userID}, org, owner))
	return store.Tenant{ActorUserID: userID, OrgID: org.ID}, org.ID
}

func signPayload(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := cryptoutil.SignHMAC([]byte(ts+"."+string(payload)), []byte(testWebhookSecret))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac))
}

func checkoutPayload(eventID, orgID string, credits int64, status string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"payment_status": %q,
			"metadata": {"organizationId": %q, "credits": %q}
		}}
	}`, eventID, status, orgID, strconv.FormatInt(credits, 10)))
}

func TestWebhookAppliesCreditsExactlyOnce(t *testing.T) {
	m := store.NewMemory()
	tn, orgID := seedBillingOrg(t, m)
	svc := NewService(m, &fakeStripe{}, testWebhookSecret, nil, nil, slog.Default())

	now := time.Now().UTC()
	payload := checkoutPayload("evt_1", orgID, 1000, "paid")
	sig := signPayload(payload, now)

	res, err := svc.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = svc.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "duplicate_event", res.Reason)

	balance, err := svc.Balance(context.Background(), tn, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.BalanceCredits)

	ledger, _, err := svc.Ledger(context.Background(), tn, orgID, store.Page{Limit: 10})
	require.NoError(t, err)
	matching := 0
	for _, entry := range ledger {
		if entry.StripeEventID == "evt_1" {
			matching++
		}
	}
	assert.Equal(t, 1, matching)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	m := store.NewMemory()
	_, orgID := seedBillingOrg(t, m)
	svc := NewService(m, &fakeStripe{}, testWebhookSecret, nil, nil, slog.Default())

	payload := checkoutPayload("evt_2", orgID, 100, "paid")

	_, err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	require.Error(t, err)

	// Stale timestamp outside the five-minute window.
	_, err = svc.HandleWebhook(context.Background(), payload, signPayload(payload, time.Now().Add(-6*time.Minute)))
	require.Error(t, err)
}

func TestWebhookIgnoresUnpaidAndUnknown(t *testing.T) {
	m := store.NewMemory()
	tn, orgID := seedBillingOrg(t, m)
	svc := NewService(m, &fakeStripe{}, testWebhookSecret, nil, nil, slog.Default())
	now := time.Now().UTC()

	payload := checkoutPayload("evt_3", orgID, 100, "unpaid")
	res, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, now))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "not_paid", res.Reason)

	other := []byte(`{"id":"evt_4","type":"invoice.created","data":{"object":{}}}`)
	res, err = svc.HandleWebhook(context.Background(), other, signPayload(other, now))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "ignored_event_type", res.Reason)

	balance, err := svc.Balance(context.Background(), tn, orgID)
	require.NoError(t, err)
	assert.Zero(t, balance.BalanceCredits)
}

func TestPriceCacheDedupsInflight(t *testing.T) {
	m := store.NewMemory()
	fake := &fakeStripe{block: make(chan struct{})}
	svc := NewService(m, fake, testWebhookSecret, nil, nil, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Price(context.Background(), "price_a")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(fake.block)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.priceCalls), "concurrent lookups share one fetch")

	// Cached: still one outbound call.
	_, err := svc.Price(context.Background(), "price_a")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.priceCalls))
}

func TestCheckoutUsesPackMetadata(t *testing.T) {
	m := store.NewMemory()
	_, orgID := seedBillingOrg(t, m)
	packs, err := ParsePacks(`[{"id":"starter","priceId":"price_a","credits":1000}]`)
	require.NoError(t, err)
	svc := NewService(m, &fakeStripe{}, testWebhookSecret, packs, nil, slog.Default())

	sess, err := svc.Checkout(context.Background(), orgID, "starter", "https://app/ok", "https://app/cancel")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.URL)

	_, err = svc.Checkout(context.Background(), orgID, "missing", "https://app/ok", "https://app/cancel")
	require.Error(t, err)
}

func TestSpendForRunGuardsBalance(t *testing.T) {
	m := store.NewMemory()
	tn, orgID := seedBillingOrg(t, m)
	svc := NewService(m, &fakeStripe{}, testWebhookSecret, nil, nil, slog.Default())

	err := svc.SpendForRun(context.Background(), tn, orgID, uuid.NewString(), 50)
	require.Error(t, err, "empty balance cannot go negative")

	payload := checkoutPayload("evt_5", orgID, 100, "paid")
	_, err = svc.HandleWebhook(context.Background(), payload, signPayload(payload, time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, svc.SpendForRun(context.Background(), tn, orgID, uuid.NewString(), 60))
	balance, err := svc.Balance(context.Background(), tn, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance.BalanceCredits)
}

func TestParsePacks(t *testing.T) {
	packs, err := ParsePacks("")
	require.NoError(t, err)
	assert.Empty(t, packs)

	_, err = ParsePacks(`[{"id":"x","priceId":"","credits":10}]`)
	require.Error(t, err)

	_, err = ParsePacks(`not json`)
	require.Error(t, err)
}
