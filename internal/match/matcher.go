package match

import (
	"sort"
	"strings"
	"sync"

	"listkeeper/internal/config"
	"listkeeper/internal/domain"
	"listkeeper/internal/worker"
)

// Matcher finds likely duplicate listings. Properties are blocked by
// city and state, sub-bucketed by rounded unit count, scored pairwise
// within and across adjacent sub-buckets, and clustered transitively.
type Matcher struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// Group returns the duplicate groups for the working set. Output is
// deterministic for a fixed input and configuration: groups are sorted by
// primary id and members within a group are sorted.
func (m *Matcher) Group(props []domain.PropertyRecord) []domain.DuplicateGroup {
	blocks := m.block(props)

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mu sync.Mutex
	var edges []domain.PairScore

	pool := worker.NewPool(m.cfg.Matcher.BucketWorkers)
	for _, k := range keys {
		bucket := blocks[k]
		pool.Submit(func() {
			found := m.scoreBucket(bucket)
			if len(found) == 0 {
				return
			}
			mu.Lock()
			edges = append(edges, found...)
			mu.Unlock()
		})
	}
	pool.Wait()

	return m.cluster(props, edges)
}

// block partitions by city|state. Properties with no city land in a
// shared catch-all bucket so they can still match each other.
func (m *Matcher) block(props []domain.PropertyRecord) map[string][]domain.PropertyRecord {
	out := make(map[string][]domain.PropertyRecord)
	for _, p := range props {
		key := strings.ToLower(p.City) + "|" + strings.ToLower(p.State)
		out[key] = append(out[key], p)
	}
	for k, bucket := range out {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
		out[k] = bucket
	}
	return out
}

// scoreBucket compares pairs within one city bucket. Unit counts gate the
// comparison: records whose rounded unit buckets are more than one step
// apart are skipped, while records with unknown units are compared against
// everything.
func (m *Matcher) scoreBucket(bucket []domain.PropertyRecord) []domain.PairScore {
	size := m.cfg.Matcher.UnitBucketSize
	if size < 1 {
		size = 1
	}
	var edges []domain.PairScore
	for i := 0; i < len(bucket); i++ {
		for j := i + 1; j < len(bucket); j++ {
			a, b := bucket[i], bucket[j]
			if a.Units != nil && b.Units != nil {
				ba := *a.Units / size
				bb := *b.Units / size
				if ba-bb > 1 || bb-ba > 1 {
					continue
				}
			}
			score := m.scorePair(a, b)
			if score.Total >= m.cfg.Matcher.SimilarityThreshold {
				edges = append(edges, score)
			}
		}
	}
	return edges
}

func (m *Matcher) scorePair(a, b domain.PropertyRecord) domain.PairScore {
	mc := m.cfg.Matcher
	s := domain.PairScore{AID: a.ID, BID: b.ID}
	s.Address = stringSimilarity(a.Street, b.Street)
	s.Name = stringSimilarity(a.Name, b.Name)
	s.Numeric = numericScore(a, b)

	if a.SourceBrokerID != "" && b.SourceBrokerID != "" {
		if a.SourceBrokerID == b.SourceBrokerID {
			s.Broker = mc.BrokerBonus
		} else {
			s.Broker = -mc.BrokerBonus
		}
	}

	s.Total = mc.AddressWeight*s.Address + mc.NameWeight*s.Name + mc.NumericWeight*s.Numeric + s.Broker
	if s.Total > 1 {
		s.Total = 1
	}
	if s.Total < 0 {
		s.Total = 0
	}
	return s
}

// numericScore averages the closeness of whichever numeric attributes both
// records carry. With nothing to compare it stays neutral.
func numericScore(a, b domain.PropertyRecord) float64 {
	sum := 0.0
	n := 0
	if a.Units != nil && b.Units != nil {
		sum += numericCloseness(float64(*a.Units), float64(*b.Units))
		n++
	}
	if a.Price != nil && b.Price != nil {
		sum += numericCloseness(*a.Price, *b.Price)
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

func (m *Matcher) cluster(props []domain.PropertyRecord, edges []domain.PairScore) []domain.DuplicateGroup {
	uf := newUnionFind()
	for _, e := range edges {
		uf.union(e.AID, e.BID)
	}

	byID := make(map[string]domain.PropertyRecord, len(props))
	for _, p := range props {
		byID[p.ID] = p
	}

	var groups []domain.DuplicateGroup
	for _, members := range uf.components() {
		sort.Strings(members)
		g := domain.DuplicateGroup{MemberIDs: members}
		memberSet := make(map[string]struct{}, len(members))
		for _, id := range members {
			memberSet[id] = struct{}{}
		}
		for _, e := range edges {
			if _, ok := memberSet[e.AID]; ok {
				if _, ok := memberSet[e.BID]; ok {
					g.Scores = append(g.Scores, e)
				}
			}
		}
		sort.Slice(g.Scores, func(i, j int) bool {
			if g.Scores[i].AID != g.Scores[j].AID {
				return g.Scores[i].AID < g.Scores[j].AID
			}
			return g.Scores[i].BID < g.Scores[j].BID
		})
		g.PrimaryID = selectPrimary(members, byID)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].PrimaryID < groups[j].PrimaryID })
	return groups
}

// selectPrimary picks the surviving record: most complete, then oldest
// first-seen, then lowest id.
func selectPrimary(members []string, byID map[string]domain.PropertyRecord) string {
	best := members[0]
	bestScore := completeness(byID[best])
	for _, id := range members[1:] {
		score := completeness(byID[id])
		switch {
		case score > bestScore:
			best, bestScore = id, score
		case score == bestScore:
			a, b := byID[id], byID[best]
			if a.FirstSeen != "" && (b.FirstSeen == "" || a.FirstSeen < b.FirstSeen) {
				best, bestScore = id, score
			} else if a.FirstSeen == b.FirstSeen && id < best {
				best = id
			}
		}
	}
	return best
}

func completeness(p domain.PropertyRecord) int {
	n := 0
	for _, s := range []string{p.Name, p.Street, p.City, p.State, p.Zip, p.PropertyType, p.Status, p.Description, p.SourceBrokerID, p.BrokerageID} {
		if s != "" {
			n++
		}
	}
	if p.Price != nil {
		n++
	}
	if p.Units != nil {
		n++
	}
	if p.YearBuilt != nil {
		n++
	}
	if p.SquareFeet != nil {
		n++
	}
	if p.CapRate != nil {
		n++
	}
	if p.PricePerUnit != nil {
		n++
	}
	return n
}
