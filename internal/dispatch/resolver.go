package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxConcurrentOrgLookups bounds parallel directory calls for one request.
const maxConcurrentOrgLookups = 8

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// MaxDevices caps the resolved set. Zero means no cap.
	MaxDevices int
	Retry      RetryPolicy
	Logger     Logger
}

// Resolver expands devices and orgs into a sorted, deduplicated device list.
//
// Orgs are expanded concurrently; identical in-flight lookups (same org,
// namespace and credentials) share one directory call.
type Resolver struct {
	dir        Directory
	maxDevices int
	retry      RetryPolicy
	logger     Logger
	flight     singleflight.Group
}

// NewResolver creates a resolver. dir may be nil if only explicit devices
// will ever be resolved; org expansion then fails with ErrResolution.
func NewResolver(dir Directory, opts ResolverOptions) *Resolver {
	r := &Resolver{
		dir:        dir,
		maxDevices: opts.MaxDevices,
		retry:      opts.Retry.orDefault(),
		logger:     opts.Logger,
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	return r
}

// Resolve returns the union of spec.Devices and every member of spec.Orgs.
//
// Errors:
//   - ErrInvalidTarget: nothing to resolve, or the union is empty
//   - ErrAuthRequired: orgs given without username and password
//   - ErrResolution: directory unreachable or org unknown (after retries)
//   - ErrTooManyDevices: the union exceeds MaxDevices
func (r *Resolver) Resolve(ctx context.Context, spec TargetSpec) ([]string, error) {
	devices := normalizeDevices(spec.Devices)
	orgs := slices.Clone(spec.Orgs)
	slices.Sort(orgs)
	orgs = slices.Compact(orgs)

	if len(devices) == 0 && len(orgs) == 0 {
		return nil, ErrInvalidTarget
	}

	if len(orgs) > 0 {
		if !spec.Credentials.Valid() {
			return nil, ErrAuthRequired
		}
		if r.dir == nil {
			return nil, fmt.Errorf("%w: no directory configured", ErrResolution)
		}

		members, err := r.expandOrgs(ctx, orgs, spec.Namespace, *spec.Credentials)
		if err != nil {
			return nil, err
		}
		devices = normalizeDevices(append(devices, members...))
	}

	if len(devices) == 0 {
		return nil, ErrInvalidTarget
	}
	if r.maxDevices > 0 && len(devices) > r.maxDevices {
		return nil, fmt.Errorf("%w: %d resolved, limit is %d", ErrTooManyDevices, len(devices), r.maxDevices)
	}
	return devices, nil
}

func (r *Resolver) expandOrgs(ctx context.Context, orgs []int, namespace int, creds Credentials) ([]string, error) {
	members := make([][]string, len(orgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentOrgLookups)
	for i, org := range orgs {
		g.Go(func() error {
			devices, err := r.orgDevices(gctx, org, namespace, creds)
			if err != nil {
				return fmt.Errorf("%w: org %d: %w", ErrResolution, org, err)
			}
			members[i] = devices
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return slices.Concat(members...), nil
}

// orgDevices looks up one org with retries, coalescing identical lookups.
func (r *Resolver) orgDevices(ctx context.Context, org, namespace int, creds Credentials) ([]string, error) {
	key := flightKey(org, namespace, creds)

	v, err, shared := r.flight.Do(key, func() (any, error) {
		return retry(ctx, r.retry, func() ([]string, error) {
			devices, err := r.dir.OrgDevices(ctx, org, namespace, creds)
			if err != nil && isPermanentDirectoryError(err) {
				return nil, permanent(err)
			}
			return devices, err
		}, func(err error, next time.Duration) {
			directoryRetriesTotal.Inc()
			r.logger.Warn("directory lookup failed, retrying",
				"org", org, "namespace", namespace, "retry_in", next, "error", err)
		})
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("directory lookup coalesced", "org", org)
	}

	devices, ok := v.([]string)
	if !ok {
		return nil, errors.New("directory returned unexpected type")
	}
	return devices, nil
}

// flightKey identifies a lookup without embedding the password itself.
func flightKey(org, namespace int, creds Credentials) string {
	return strconv.Itoa(namespace) + "/" + strconv.Itoa(org) + "/" + creds.Username + "/" +
		strconv.FormatUint(xxhash.Sum64String(creds.Password), 16)
}
