package targets

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/storage"
)

func newRegistrar(t *testing.T) (*Registrar, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "targets.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistrar(db, quota.New(quota.DefaultPlans(), db, 0), nil), db
}

func TestParse(t *testing.T) {
	tests := []struct {
		in, url, domain string
		wantErr         bool
	}{
		{in: "www.Acme.co.uk/pricing#plans", url: "https://www.acme.co.uk/pricing", domain: "acme.co.uk"},
		{in: "http://shop.example.com", url: "http://shop.example.com", domain: "example.com"},
		{in: "ftp://example.com", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			u, d, err := Parse(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.url, u)
			assert.Equal(t, tc.domain, d)
		})
	}
}

func TestAddDefaultsNameToDomain(t *testing.T) {
	r, db := newRegistrar(t)
	ctx := context.Background()
	_, err := db.CreateUser(ctx, "owner@example.com", quota.PlanFree)
	require.NoError(t, err)

	got, err := r.Add(ctx, Request{User: "owner@example.com", URL: "acme.com/pricing"})
	require.NoError(t, err)
	assert.Equal(t, "acme.com", got.Name)
	assert.Equal(t, "acme.com", got.Domain)
	assert.Equal(t, monitor.StatusActive, got.Status)

	_, err = r.Add(ctx, Request{User: "owner@example.com", URL: "https://acme.com/pricing"})
	assert.Error(t, err, "duplicate URL for the same user")
}

func TestAddEnforcesPlanCap(t *testing.T) {
	r, db := newRegistrar(t)
	ctx := context.Background()
	u, err := db.CreateUser(ctx, "free@example.com", quota.PlanFree)
	require.NoError(t, err)

	limit := quota.DefaultPlans().Entitlements(quota.PlanFree).MaxTargets
	for i := 0; i < limit; i++ {
		_, err := r.Add(ctx, Request{User: u.ID, URL: fmt.Sprintf("https://rival%d.com", i)})
		require.NoError(t, err)
	}

	_, err = r.Add(ctx, Request{User: u.ID, URL: "https://one-too-many.com"})
	var denied *quota.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.True(t, denied.Decision.UpgradePrompt)

	n, err := db.CountActiveTargets(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}

func TestConcurrentAddsRespectPlanCap(t *testing.T) {
	r, db := newRegistrar(t)
	ctx := context.Background()
	u, err := db.CreateUser(ctx, "racer@example.com", quota.PlanFree)
	require.NoError(t, err)
	limit := quota.DefaultPlans().Entitlements(quota.PlanFree).MaxTargets

	const workers = 8
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = r.Add(ctx, Request{User: u.ID, URL: fmt.Sprintf("https://racer%d.com", i)})
		}(i)
	}
	close(start)
	wg.Wait()

	var added, denied int
	for _, err := range errs {
		var d *quota.DeniedError
		switch {
		case err == nil:
			added++
		case errors.As(err, &d):
			denied++
			assert.True(t, d.Decision.UpgradePrompt)
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, limit, added)
	assert.Equal(t, workers-limit, denied)

	n, err := db.CountActiveTargets(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}

func TestAddSoftBlocksHoarding(t *testing.T) {
	r, db := newRegistrar(t)
	ctx := context.Background()
	u, err := db.CreateUser(ctx, "big@example.com", quota.PlanEnterprise)
	require.NoError(t, err)

	for i := 0; i <= quota.HoardingThreshold; i++ {
		_, err := r.Add(ctx, Request{User: u.ID, URL: fmt.Sprintf("https://rival%d.com", i)})
		require.NoError(t, err)
	}

	_, err = r.Add(ctx, Request{User: u.ID, URL: "https://late.com"})
	var denied *quota.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.False(t, denied.Decision.UpgradePrompt)
}

func TestAddUnknownUser(t *testing.T) {
	r, _ := newRegistrar(t)
	_, err := r.Add(context.Background(), Request{User: "ghost@example.com", URL: "acme.com"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
