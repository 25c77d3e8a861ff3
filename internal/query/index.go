package query

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Index holds the inverted indices over one owner's record set.
//
// Postings are positions into the indexed set, ascending, so intersections
// keep insertion order. An Index is never persisted; build a new one whenever
// the set changes.
type Index struct {
	records   record.Set
	byType    map[string][]int
	byTag     map[string][]int
	byContext map[string][]int
	byDecile  map[float64][]int
}

// BuildIndex indexes set by type, tag, context pair and confidence decile.
func BuildIndex(set record.Set) *Index {
	ix := &Index{
		records:   set,
		byType:    make(map[string][]int),
		byTag:     make(map[string][]int),
		byContext: make(map[string][]int),
		byDecile:  make(map[float64][]int),
	}
	for pos, r := range set {
		if r == nil {
			continue
		}
		ix.byType[r.Type] = append(ix.byType[r.Type], pos)
		for _, tag := range uniqueStrings(r.Tags) {
			ix.byTag[tag] = append(ix.byTag[tag], pos)
		}
		for _, p := range r.Context {
			key := p.IndexKey()
			ix.byContext[key] = append(ix.byContext[key], pos)
		}
		d := Decile(r.Evolution.Confidence)
		ix.byDecile[d] = append(ix.byDecile[d], pos)
	}
	return ix
}

// Decile returns floor(confidence*10)/10. A tolerance absorbs float error so
// values such as 0.7 and 0.6999999999999999 share a bucket.
func Decile(confidence float64) float64 {
	return math.Floor(confidence*10+1e-9) / 10
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	return len(ix.records)
}

// ByType returns the IDs of records with the given type.
func (ix *Index) ByType(typ string) []string {
	return ix.ids(ix.byType[typ])
}

// ByTag returns the IDs of records carrying tag.
func (ix *Index) ByTag(tag string) []string {
	return ix.ids(ix.byTag[tag])
}

// ByContext returns the IDs of records whose context holds p.
func (ix *Index) ByContext(p record.Pair) []string {
	return ix.ids(ix.byContext[p.IndexKey()])
}

// ByDecile returns the IDs of records in the confidence decile containing d.
func (ix *Index) ByDecile(d float64) []string {
	return ix.ids(ix.byDecile[Decile(d)])
}

// Deciles returns the populated deciles in ascending order.
func (ix *Index) Deciles() []float64 {
	out := make([]float64, 0, len(ix.byDecile))
	for d := range ix.byDecile {
		out = append(out, d)
	}
	sort.Float64s(out)
	return out
}

// Types returns the indexed types in ascending order.
func (ix *Index) Types() []string {
	return sortedKeys(ix.byType)
}

// Tags returns the indexed tags in ascending order.
func (ix *Index) Tags() []string {
	return sortedKeys(ix.byTag)
}

func (ix *Index) typePostings(typ string) []int {
	return ix.byType[typ]
}

func (ix *Index) tagPostings(tag string) []int {
	return ix.byTag[tag]
}

func (ix *Index) contextPostings(ctx record.Context) []int {
	var result []int
	for i, p := range ctx {
		postings := ix.byContext[p.IndexKey()]
		if i == 0 {
			result = postings
			continue
		}
		result = intersect(result, postings)
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

// confidencePostings returns positions with confidence >= threshold, using
// the decile buckets to skip whole ranges.
func (ix *Index) confidencePostings(threshold float64) []int {
	floor := Decile(threshold)
	var out []int
	for d, postings := range ix.byDecile {
		if d < floor {
			continue
		}
		for _, pos := range postings {
			if ix.records[pos].Evolution.Confidence >= threshold {
				out = append(out, pos)
			}
		}
	}
	sort.Ints(out)
	return out
}

func (ix *Index) ids(postings []int) []string {
	if len(postings) == 0 {
		return nil
	}
	out := make([]string, len(postings))
	for i, pos := range postings {
		out[i] = ix.records[pos].ID
	}
	return out
}

// intersect merges two ascending posting lists.
func intersect(a, b []int) []int {
	out := make([]int, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func uniqueStrings(items []string) []string {
	if len(items) < 2 {
		return items
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedKeys(m map[string][]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
