// Package identity maintains canonical display names for email
// addresses across repeated, partial, and conflicting observations.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/mailparse"
	"github.com/lqian/mailpress/internal/model"
)

// Store is the persistence surface the resolver needs. The identities
// table has a single writer (the resolver), so a read-through cache in
// front of it stays coherent.
type Store interface {
	GetIdentity(ctx context.Context, address string) (*model.Identity, error)
	PutIdentity(ctx context.Context, ident model.Identity) error
}

// Resolver canonicalizes the address-to-name mapping. It holds a
// process-lifetime cache over the persisted records and writes through
// on every accepted change.
type Resolver struct {
	store   Store
	breaker TieBreaker
	cache   map[string]*model.Identity
	log     *logrus.Logger
}

// NewResolver creates a resolver backed by the given store. A nil
// breaker disables the oracle; ties then resolve to the longer name.
func NewResolver(store Store, breaker TieBreaker, log *logrus.Logger) *Resolver {
	if breaker == nil {
		breaker = LongerName{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{
		store:   store,
		breaker: breaker,
		cache:   make(map[string]*model.Identity),
		log:     log,
	}
}

// IsValidName reports whether name is usable as a display name for
// addr. Empty names, the address itself, and the address's local-part
// are all degenerate: they carry no information beyond the address.
func IsValidName(name, addr string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	addr = strings.ToLower(strings.TrimSpace(addr))

	if name == "" || name == addr {
		return false
	}
	if at := strings.Index(addr, "@"); at > 0 && name == addr[:at] {
		return false
	}
	return true
}

// Observe feeds one observation (address, raw display name, source
// rank) into the resolver. The persisted record is updated only when
// the address is new or the authoritative name or rank actually
// changes, which bounds oracle calls to genuinely novel conflicts.
func (r *Resolver) Observe(ctx context.Context, address, rawName string, sourceRank int) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil
	}

	ident, err := r.lookup(ctx, address)
	if err != nil {
		return err
	}

	isNew := ident == nil
	if isNew {
		ident = &model.Identity{Address: address}
	}

	nameSeen := rawName != "" && contains(ident.SeenNames, rawName)
	shouldEvaluate := (rawName != "" && !nameSeen) || sourceRank > ident.NameSource

	if !shouldEvaluate && !isNew {
		return nil
	}

	better := r.betterName(ctx, ident.Name, rawName, address, ident.NameSource, sourceRank)

	newSource := ident.NameSource
	if better == rawName {
		newSource = sourceRank
	}

	changed := better != ident.Name || newSource != ident.NameSource

	if rawName != "" && !nameSeen {
		ident.SeenNames = append(ident.SeenNames, rawName)
		changed = true
	}

	if better != ident.Name {
		r.log.WithFields(logrus.Fields{
			"address": address,
			"old":     ident.Name,
			"new":     better,
			"rank":    newSource,
		}).Info("identity updated")
	}

	ident.Name = better
	ident.NameSource = newSource

	if !isNew && !changed {
		return nil
	}

	if err := r.store.PutIdentity(ctx, *ident); err != nil {
		return fmt.Errorf("persisting identity %s: %w", address, err)
	}
	r.cache[address] = ident
	return nil
}

// DisplayName returns the current best display name for an address,
// or "" when none is known.
func (r *Resolver) DisplayName(ctx context.Context, address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	ident, err := r.lookup(ctx, address)
	if err != nil {
		return "", err
	}
	if ident == nil {
		return "", nil
	}
	return ident.Name, nil
}

// lookup reads through the cache to the store.
func (r *Resolver) lookup(ctx context.Context, address string) (*model.Identity, error) {
	if ident, ok := r.cache[address]; ok {
		return ident, nil
	}

	ident, err := r.store.GetIdentity(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("loading identity %s: %w", address, err)
	}
	if ident != nil {
		r.cache[address] = ident
	}
	return ident, nil
}

// betterName decides between the current and candidate name for an
// address. Validity dominates rank; rank dominates everything else;
// rank ties fall through exact match, logographic preference, and
// finally the tie-break oracle.
func (r *Resolver) betterName(ctx context.Context, current, candidate, addr string, currentRank, candidateRank int) string {
	if !IsValidName(candidate, addr) {
		return current
	}
	if !IsValidName(current, addr) {
		return candidate
	}

	if candidateRank > currentRank {
		return candidate
	}
	if currentRank > candidateRank {
		return current
	}

	if strings.TrimSpace(current) == strings.TrimSpace(candidate) {
		return current
	}

	currentCJK := mailparse.ContainsCJK(current)
	candidateCJK := mailparse.ContainsCJK(candidate)
	if candidateCJK && !currentCJK {
		return candidate
	}
	if currentCJK && !candidateCJK {
		return current
	}

	r.log.WithFields(logrus.Fields{
		"address": addr,
		"a":       current,
		"b":       candidate,
	}).Debug("asking tie-break oracle")

	choice, err := r.breaker.Choose(ctx, current, candidate)
	if err != nil {
		r.log.WithError(err).Debug("tie-break oracle unavailable, preferring longer name")
		return longer(current, candidate)
	}
	return choice
}

func longer(a, b string) string {
	if len(a) >= len(b) {
		return a
	}
	return b
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
