package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func TestPaymentStoreOrderIDUnique(t *testing.T) {
	t.Parallel()

	store := NewPaymentStore()
	ctx := context.Background()
	p := registrar.Payment{ID: "p1", UserID: "u1", OrderID: "ORDER-1", Status: registrar.PaymentPending}
	require.NoError(t, store.CreatePayment(ctx, p))
	require.ErrorIs(t, store.CreatePayment(ctx, registrar.Payment{ID: "p2", OrderID: "ORDER-1"}), registrar.ErrConflict)

	_, err := store.UpdatePayment(ctx, "p1", func(p *registrar.Payment) error {
		return registrar.TransitionPayment(p, registrar.PaymentCancelled, time.Now())
	})
	require.NoError(t, err)
	require.NoError(t, store.CreatePayment(ctx, registrar.Payment{ID: "p2", UserID: "u1", OrderID: "ORDER-1"}))
}

func TestPaymentStoreGatewayPaymentSettlesOnce(t *testing.T) {
	t.Parallel()

	store := NewPaymentStore()
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, store.CreatePayment(ctx, registrar.Payment{
			ID: id, UserID: "u1", OrderID: "ORDER-" + id, Status: registrar.PaymentPending,
		}))
	}
	settle := func(to registrar.PaymentStatus) func(*registrar.Payment) error {
		return func(p *registrar.Payment) error {
			p.GatewayPaymentID = "gw-1"
			return registrar.TransitionPayment(p, to, now)
		}
	}

	_, err := store.UpdatePayment(ctx, "p1", settle(registrar.PaymentPaid))
	require.NoError(t, err)

	got, err := store.UpdatePayment(ctx, "p2", settle(registrar.PaymentPaid))
	require.ErrorIs(t, err, registrar.ErrConflict)
	require.Equal(t, registrar.PaymentPending, got.Status)
	stored, err := store.GetPayment(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, registrar.PaymentPending, stored.Status)
	require.Empty(t, stored.GatewayPaymentID)

	// A failed attempt may carry the same gateway id.
	_, err = store.UpdatePayment(ctx, "p3", settle(registrar.PaymentFailed))
	require.NoError(t, err)
}

func TestPaymentStoreHistory(t *testing.T) {
	t.Parallel()

	store := NewPaymentStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreatePayment(ctx, registrar.Payment{
			ID: id, UserID: "u1", OrderID: "ORDER-" + id, CreatedAt: base.Add(time.Duration(i) * time.Hour),
			GatewayResponse: []byte(`{"status":"PAID"}`),
		}))
	}
	page, total, err := store.ListPayments(ctx, "u1", registrar.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, "c", page[0].ID)

	page[0].GatewayResponse[0] = 'X'
	got, err := store.GetPayment(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, byte('{'), got.GatewayResponse[0])

	_, err = store.GetPayment(ctx, "missing")
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestCredentialStore(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore()
	ctx := context.Background()
	require.NoError(t, store.CreateCredential(ctx, registrar.Credential{ID: "c2", Owner: "u1", Name: "shop-b"}))
	require.NoError(t, store.CreateCredential(ctx, registrar.Credential{ID: "c1", Owner: "u1", Name: "shop-a"}))
	require.NoError(t, store.CreateCredential(ctx, registrar.Credential{ID: "c3", Owner: "u2", Name: "other"}))
	require.ErrorIs(t, store.CreateCredential(ctx, registrar.Credential{ID: "c1"}), registrar.ErrConflict)

	creds, err := store.ListCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, []string{creds[0].ID, creds[1].ID})

	_, err = store.GetCredential(ctx, "nope")
	require.ErrorIs(t, err, registrar.ErrNotFound)
}
