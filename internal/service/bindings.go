package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// BindingService recomputes the derived token -> proxy assignment for a
// pool using rendezvous (highest random weight) hashing per spec §4.5:
// stable under endpoint add/remove, unlike modulo hashing which reshuffles
// every assignment whenever the member set changes.
type BindingService struct {
	bindingRepo repository.TokenProxyBindingRepository
	endpointRepo repository.ProxyEndpointRepository
}

// NewBindingService creates a new BindingService.
func NewBindingService(bindingRepo repository.TokenProxyBindingRepository, endpointRepo repository.ProxyEndpointRepository) *BindingService {
	return &BindingService{bindingRepo: bindingRepo, endpointRepo: endpointRepo}
}

// fnv1a64 hashes a string with the 64-bit FNV-1a algorithm.
func fnv1a64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// RecomputeResult reports how many tokens were assigned and, when strict
// mode was not requested, how many exceeded every candidate's capacity and
// fell back to a soft (over-capacity) assignment.
type RecomputeResult struct {
	Assigned          int
	OverCapacityAssigned int
}

// Recompute assigns every token in tokenIDs a primary proxy within poolID,
// honoring each enabled member's capacity (maxTokensPerProxy * weight).
func (s *BindingService) Recompute(ctx context.Context, poolID int64, tokenIDs []int64, maxTokensPerProxy int, strict bool) (*RecomputeResult, error) {
	members, err := s.endpointRepo.MembersOfPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		endpointID int64
		capacity   int
		used       int
	}
	var candidates []*candidate
	for _, m := range members {
		if !m.Enabled || !m.Endpoint.Enabled || m.Weight <= 0 {
			continue
		}
		candidates = append(candidates, &candidate{
			endpointID: m.Endpoint.ID,
			capacity:   maxTokensPerProxy * m.Weight,
		})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("pool %d has no eligible members", poolID)
	}

	byID := make(map[int64]*candidate, len(candidates))
	for _, c := range candidates {
		byID[c.endpointID] = c
	}

	sortedTokens := append([]int64(nil), tokenIDs...)
	sort.Slice(sortedTokens, func(i, j int) bool { return sortedTokens[i] < sortedTokens[j] })

	salt := fmt.Sprintf("pool:%d", poolID)
	result := &RecomputeResult{}
	totalCapacity := 0
	for _, c := range candidates {
		totalCapacity += c.capacity
	}
	if strict && len(sortedTokens) > totalCapacity {
		return nil, fmt.Errorf("pool %d: %d tokens exceed total capacity %d across %d endpoints",
			poolID, len(sortedTokens), totalCapacity, len(candidates))
	}

	for _, tokenID := range sortedTokens {
		preference := rendezvousPreference(tokenID, candidates, salt)

		assigned := int64(0)
		for _, endpointID := range preference {
			c := byID[endpointID]
			if c.used < c.capacity {
				c.used++
				assigned = endpointID
				break
			}
		}
		if assigned == 0 {
			// Over capacity everywhere: soft-assign to the first preference.
			assigned = preference[0]
			result.OverCapacityAssigned++
		}

		if err := s.bindingRepo.Upsert(ctx, &models.TokenProxyBinding{
			TokenID:        tokenID,
			PoolID:         poolID,
			PrimaryProxyID: assigned,
		}); err != nil {
			return nil, err
		}
		result.Assigned++
	}
	return result, nil
}

// rendezvousPreference returns endpoint IDs sorted by descending
// fnv1a64(token|endpoint|salt) score, ties broken by ascending endpoint ID.
func rendezvousPreference(tokenID int64, candidates []*struct {
	endpointID int64
	capacity   int
	used       int
}, salt string) []int64 {
	type scored struct {
		id    int64
		score uint64
	}
	scores := make([]scored, len(candidates))
	for i, c := range candidates {
		key := fmt.Sprintf("%d|%d|%s", tokenID, c.endpointID, salt)
		scores[i] = scored{id: c.endpointID, score: fnv1a64(key)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})
	out := make([]int64, len(scores))
	for i, s := range scores {
		out[i] = s.id
	}
	return out
}
