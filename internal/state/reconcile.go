package state

import "sort"

// similarityThreshold is the minimum Jaccard overlap for a new cluster to
// claim an old customization's identity. Strictly greater-than: a cluster
// that splits exactly in half carries its name to neither part.
const similarityThreshold = 0.5

type candidateMatch struct {
	newLabel   int
	custID     int
	similarity float64
}

// reconcile maps a freshly computed labels array against the previous
// customization set and decides which new clusters inherit which identities.
//
// Matching is greedy by descending Jaccard similarity of member-index sets,
// one-to-one in both directions. An accepted match copies the old
// customization's name and visibility but records the new cluster's member
// set; membership always reflects current reality, only metadata carries
// over. Labels and ids left unmatched get nothing — customizations for them
// are minted lazily if the user ever touches them.
//
// Greedy assignment is deliberate: this is a UX heuristic, not a
// correctness-critical matching. A missed match means the user renames a
// cluster; it never corrupts data. Ties are broken by lower new label, then
// lower customization id, so the result is deterministic regardless of map
// iteration order.
func reconcile(newLabels []int, oldCusts map[int]*Customization) (map[int]*Customization, map[int]int) {
	newCusts := make(map[int]*Customization)
	newBinding := make(map[int]int)

	newClusters := groupByLabel(newLabels)
	if len(oldCusts) == 0 || len(newClusters) == 0 {
		return newCusts, newBinding
	}

	candidates := make([]candidateMatch, 0, len(newClusters))
	for label, members := range newClusters {
		for id, cust := range oldCusts {
			if cust == nil || cust.Members == nil {
				continue
			}
			sim := jaccard(members, cust.Members)
			if sim > similarityThreshold {
				candidates = append(candidates, candidateMatch{newLabel: label, custID: id, similarity: sim})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}
		if a.newLabel != b.newLabel {
			return a.newLabel < b.newLabel
		}
		return a.custID < b.custID
	})

	claimedIDs := make(map[int]struct{})
	assignedLabels := make(map[int]struct{})
	for _, m := range candidates {
		if _, taken := claimedIDs[m.custID]; taken {
			continue
		}
		if _, taken := assignedLabels[m.newLabel]; taken {
			continue
		}
		newCusts[m.custID] = oldCusts[m.custID].clone(newClusters[m.newLabel])
		newBinding[m.newLabel] = m.custID
		claimedIDs[m.custID] = struct{}{}
		assignedLabels[m.newLabel] = struct{}{}
	}

	return newCusts, newBinding
}

// groupByLabel builds label → member-index set, excluding noise.
func groupByLabel(labels []int) map[int]map[int]struct{} {
	clusters := make(map[int]map[int]struct{})
	for i, l := range labels {
		if l == NoiseLabel {
			continue
		}
		if clusters[l] == nil {
			clusters[l] = make(map[int]struct{})
		}
		clusters[l][i] = struct{}{}
	}
	return clusters
}

// jaccard is |a ∩ b| / |a ∪ b|, 0 for two empty sets.
func jaccard(a, b map[int]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
