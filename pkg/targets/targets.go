// Package targets registers competitor pages for monitoring.
//
// Registration normalizes the URL, derives the registrable domain and
// enforces the owner's plan before anything is stored.
package targets

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rivalwatch/rivalwatch/internal/utils"
	"github.com/rivalwatch/rivalwatch/pkg/extract"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/storage"
)

// Store is the persistence the registrar needs.
type Store interface {
	GetUser(ctx context.Context, idOrEmail string) (monitor.User, error)
	CountActiveTargets(ctx context.Context, userID string) (int, error)
	// CreateTargetWithinLimit stores t unless the user already has limit
	// active targets, in which case it returns storage.ErrTargetLimit.
	CreateTargetWithinLimit(ctx context.Context, t monitor.Target, limit int) (monitor.Target, error)
}

// Guard enforces the plan cap and watches for hoarding.
type Guard interface {
	Entitlements(planID string) monitor.Entitlements
	CanAddTarget(user monitor.User, activeCount int) quota.Decision
	DetectTargetHoarding(ctx context.Context, user monitor.User) (quota.FlagResult, error)
}

// Logger is the logging surface used by the registrar.
type Logger interface {
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{}) {}

// Registrar adds targets on behalf of users.
type Registrar struct {
	store Store
	guard Guard
	log   Logger
}

// NewRegistrar creates a registrar. log may be nil.
func NewRegistrar(store Store, guard Guard, log Logger) *Registrar {
	if log == nil {
		log = nopLogger{}
	}
	return &Registrar{store: store, guard: guard, log: log}
}

// Request describes a target to add.
type Request struct {
	User string // id or email
	URL  string
	Name string // defaults to the registrable domain
}

// Parse normalizes raw and returns it together with its registrable domain.
func Parse(raw string) (string, string, error) {
	normalized, err := utils.NormalizeTargetURL(raw)
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", "", err
	}
	domain := extract.RegistrableDomain(u.Hostname())
	if domain == "" {
		return "", "", fmt.Errorf("could not determine the domain of %s", normalized)
	}
	return normalized, domain, nil
}

// Add validates and stores a new target. A plan cap or a soft-block flag is
// returned as *quota.DeniedError and nothing is stored.
func (r *Registrar) Add(ctx context.Context, req Request) (monitor.Target, error) {
	targetURL, domain, err := Parse(req.URL)
	if err != nil {
		return monitor.Target{}, err
	}
	name := req.Name
	if name == "" {
		name = domain
	}

	user, err := r.store.GetUser(ctx, req.User)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("could not load user %s: %w", req.User, err)
	}
	active, err := r.store.CountActiveTargets(ctx, user.ID)
	if err != nil {
		return monitor.Target{}, err
	}
	if d := r.guard.CanAddTarget(user, active); !d.Allowed {
		return monitor.Target{}, &quota.DeniedError{Decision: d}
	}

	res, err := r.guard.DetectTargetHoarding(ctx, user)
	switch {
	case err != nil:
		// The flag is advisory; a failed check does not block the user.
		r.log.Warnf("[targets] hoarding check failed for %s: %v", user.Email, err)
	case res.Flagged:
		r.log.Warnf("[targets] %s flagged (%s): %s", user.Email, res.Flag.Action, res.Flag.Reason)
		if res.Flag.Action == monitor.ActionSoftBlock {
			return monitor.Target{}, &quota.DeniedError{Decision: quota.Decision{Reason: "too many targets added recently, try again later"}}
		}
	}

	// The count above is only a fast path; the insert rechecks the cap.
	limit := r.guard.Entitlements(user.PlanID).MaxTargets
	t, err := r.store.CreateTargetWithinLimit(ctx, monitor.Target{UserID: user.ID, Name: name, URL: targetURL, Domain: domain}, limit)
	if errors.Is(err, storage.ErrTargetLimit) {
		return monitor.Target{}, &quota.DeniedError{Decision: r.guard.CanAddTarget(user, limit)}
	}
	if err != nil {
		return monitor.Target{}, err
	}
	r.log.Infof("[targets] %s now monitors %s (%s)", user.Email, t.URL, t.ID)
	return t, nil
}
