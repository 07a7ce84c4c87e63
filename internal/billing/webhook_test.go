package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"feedbackhub/api/internal/store"
)

type fakeSubscriptionStore struct {
	upserts []store.Subscription
}

func (f *fakeSubscriptionStore) UpsertSubscription(_ context.Context, sub store.Subscription) error {
	f.upserts = append(f.upserts, sub)
	return nil
}

func signBody(secret string, at time.Time, body []byte) string {
	timestamp := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func newTestService(st subscriptionStore, now time.Time) *Service {
	svc := New(st, "whsec_test", "price_pro", "price_biz")
	svc.now = func() time.Time { return now }
	return svc
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(&fakeSubscriptionStore{}, now)
	body := []byte(`{"id":"evt_1"}`)

	if err := svc.VerifySignature(body, signBody("whsec_test", now, body)); err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(&fakeSubscriptionStore{}, now)
	body := []byte(`{"id":"evt_1"}`)

	err := svc.VerifySignature(body, signBody("whsec_other", now, body))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("VerifySignature() error = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(&fakeSubscriptionStore{}, now)
	body := []byte(`{"id":"evt_1"}`)

	err := svc.VerifySignature(body, signBody("whsec_test", now.Add(-10*time.Minute), body))
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("VerifySignature() error = %v, want ErrStaleEvent", err)
	}
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	svc := newTestService(&fakeSubscriptionStore{}, time.Now())
	if err := svc.VerifySignature([]byte(`{}`), "garbage"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("VerifySignature() error = %v, want ErrBadSignature", err)
	}
}

func subscriptionEvent(t *testing.T, eventType, userID, priceID, status string) Event {
	t.Helper()
	raw := fmt.Sprintf(`{
		"id": "evt_1",
		"type": %q,
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": %q,
			"metadata": {"userId": %q},
			"items": {"data": [{"price": {"id": %q}}]},
			"current_period_end": 1782000000
		}}
	}`, eventType, status, userID, priceID)
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

func TestHandleEventCreatedUpsertsProTier(t *testing.T) {
	st := &fakeSubscriptionStore{}
	svc := newTestService(st, time.Now())

	event := subscriptionEvent(t, "customer.subscription.created", "user-1", "price_pro", "active")
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	if len(st.upserts) != 1 {
		t.Fatalf("got %d upserts, want 1", len(st.upserts))
	}
	sub := st.upserts[0]
	if sub.UserID != "user-1" || sub.Tier != "pro" || sub.Status != "active" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.BillingCustomerID != "cus_1" || sub.BillingSubscriptionID != "sub_1" {
		t.Fatalf("unexpected billing refs: %+v", sub)
	}
	if sub.CurrentPeriodEnd.IsZero() {
		t.Error("CurrentPeriodEnd not set")
	}
}

func TestHandleEventNormalizesProviderStatus(t *testing.T) {
	cases := []struct {
		provider string
		want     string
	}{
		{provider: "active", want: "active"},
		{provider: "trialing", want: "active"},
		{provider: "past_due", want: "inactive"},
		{provider: "unpaid", want: "inactive"},
		{provider: "incomplete", want: "inactive"},
		{provider: "paused", want: "inactive"},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			st := &fakeSubscriptionStore{}
			svc := newTestService(st, time.Now())

			event := subscriptionEvent(t, "customer.subscription.updated", "user-1", "price_pro", tc.provider)
			if err := svc.HandleEvent(context.Background(), event); err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}
			if len(st.upserts) != 1 {
				t.Fatalf("got %d upserts, want 1", len(st.upserts))
			}
			if got := st.upserts[0].Status; got != tc.want {
				t.Fatalf("stored status = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHandleEventUpdatedMapsBusinessTier(t *testing.T) {
	st := &fakeSubscriptionStore{}
	svc := newTestService(st, time.Now())

	event := subscriptionEvent(t, "customer.subscription.updated", "user-1", "price_biz", "active")
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(st.upserts) != 1 || st.upserts[0].Tier != "business" {
		t.Fatalf("unexpected upserts: %+v", st.upserts)
	}
}

func TestHandleEventDeletedDowngradesToFree(t *testing.T) {
	st := &fakeSubscriptionStore{}
	svc := newTestService(st, time.Now())

	event := subscriptionEvent(t, "customer.subscription.deleted", "user-1", "price_pro", "canceled")
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(st.upserts) != 1 {
		t.Fatalf("got %d upserts, want 1", len(st.upserts))
	}
	sub := st.upserts[0]
	if sub.Tier != "free" || sub.Status != "canceled" {
		t.Fatalf("unexpected subscription after delete: %+v", sub)
	}
}

func TestHandleEventSkipsMissingUserMetadata(t *testing.T) {
	st := &fakeSubscriptionStore{}
	svc := newTestService(st, time.Now())

	event := subscriptionEvent(t, "customer.subscription.created", "", "price_pro", "active")
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(st.upserts) != 0 {
		t.Fatalf("got %d upserts, want 0", len(st.upserts))
	}
}

func TestHandleEventIgnoresUnknownType(t *testing.T) {
	st := &fakeSubscriptionStore{}
	svc := newTestService(st, time.Now())

	if err := svc.HandleEvent(context.Background(), Event{ID: "evt_2", Type: "invoice.paid"}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(st.upserts) != 0 {
		t.Fatalf("got %d upserts, want 0", len(st.upserts))
	}
}

func TestHandleEventUnknownPriceFallsBackToFree(t *testing.T) {
	st := &fakeSubscriptionStore{}
	svc := newTestService(st, time.Now())

	event := subscriptionEvent(t, "customer.subscription.created", "user-1", "price_unknown", "active")
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(st.upserts) != 1 || st.upserts[0].Tier != "free" {
		t.Fatalf("unexpected upserts: %+v", st.upserts)
	}
}
