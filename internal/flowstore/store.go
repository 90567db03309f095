// Package flowstore keeps recently finished flows in memory and indexes them
// for search.
package flowstore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/usestring/powhttp-proxy/internal/cache"
	"github.com/usestring/powhttp-proxy/internal/filter"
	"github.com/usestring/powhttp-proxy/pkg/flow"
	"github.com/usestring/powhttp-proxy/pkg/types"
)

const (
	defaultLimit = 20
	maxLimit     = 1000
)

var printer = message.NewPrinter(language.English)

// Store is a bounded flow store. Full flows live in an LRU cache; summaries
// and inverted indexes are kept in step with it through the eviction callback.
type Store struct {
	mu sync.RWMutex

	idToDoc   map[string]uint32
	docs      map[uint32]*types.FlowSummary
	nextDocID uint32
	all       *roaring.Bitmap

	idxHost   map[string]*roaring.Bitmap
	idxMethod map[string]*roaring.Bitmap
	idxStatus map[int]*roaring.Bitmap
	idxToken  map[string]*roaring.Bitmap

	reqBytes  int64
	respBytes int64
	evicted   int

	cache *cache.FlowCache
}

// New creates a store holding at most maxItems flows.
func New(maxItems int) (*Store, error) {
	s := &Store{
		idToDoc:   make(map[string]uint32),
		docs:      make(map[uint32]*types.FlowSummary),
		all:       roaring.New(),
		idxHost:   make(map[string]*roaring.Bitmap),
		idxMethod: make(map[string]*roaring.Bitmap),
		idxStatus: make(map[int]*roaring.Bitmap),
		idxToken:  make(map[string]*roaring.Bitmap),
	}
	c, err := cache.NewFlowCache(maxItems, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating flow cache: %w", err)
	}
	s.cache = c
	return s, nil
}

// Add records a copy of f. Adding a flow ID again replaces the earlier copy.
func (s *Store) Add(f *flow.Flow) {
	if f == nil || f.ID == "" {
		return
	}
	stored := f.Clone()
	stored.Live = false
	sum := types.Summarize(stored)

	s.mu.Lock()
	if old, ok := s.idToDoc[f.ID]; ok {
		s.unindex(old)
	}
	docID := s.nextDocID
	s.nextDocID++
	s.index(docID, sum)
	s.mu.Unlock()

	// Outside the lock: eviction calls back into onEvict.
	s.cache.Put(f.ID, stored)
}

// Get returns the stored copy of a flow.
func (s *Store) Get(id string) (*flow.Flow, bool) {
	return s.cache.Get(id)
}

// Summary returns the summary of a stored flow.
func (s *Store) Summary(id string) (*types.FlowSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docID, ok := s.idToDoc[id]
	if !ok {
		return nil, false
	}
	return s.docs[docID], true
}

// Remove drops a flow from the store. Removed flows do not count as evicted.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	docID, ok := s.idToDoc[id]
	if ok {
		s.unindex(docID)
	}
	s.mu.Unlock()

	return s.cache.Remove(id) || ok
}

// Len returns the number of stored flows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) onEvict(id string, f *flow.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docID, ok := s.idToDoc[id]
	if !ok {
		return
	}
	s.unindex(docID)
	s.evicted++
}

// index must be called with mu held.
func (s *Store) index(docID uint32, sum *types.FlowSummary) {
	s.idToDoc[sum.ID] = docID
	s.docs[docID] = sum
	s.all.Add(docID)

	if sum.Host != "" {
		addToBitmap(s.idxHost, sum.Host, docID)
	}
	if sum.Method != "" {
		addToBitmap(s.idxMethod, sum.Method, docID)
	}
	if sum.Status != 0 {
		addToBitmap(s.idxStatus, sum.Status, docID)
	}
	for _, tok := range Tokenize(sum.Host) {
		addToBitmap(s.idxToken, tok, docID)
	}
	for _, tok := range TokenizeURL(sum.URL) {
		addToBitmap(s.idxToken, tok, docID)
	}

	s.reqBytes += int64(sum.Sizes.ReqBodyBytes)
	s.respBytes += int64(sum.Sizes.RespBodyBytes)
}

// unindex must be called with mu held.
func (s *Store) unindex(docID uint32) {
	sum, ok := s.docs[docID]
	if !ok {
		return
	}
	delete(s.docs, docID)
	if s.idToDoc[sum.ID] == docID {
		delete(s.idToDoc, sum.ID)
	}
	s.all.Remove(docID)

	removeFromBitmap(s.idxHost, sum.Host, docID)
	removeFromBitmap(s.idxMethod, sum.Method, docID)
	removeFromBitmap(s.idxStatus, sum.Status, docID)
	for _, tok := range Tokenize(sum.Host) {
		removeFromBitmap(s.idxToken, tok, docID)
	}
	for _, tok := range TokenizeURL(sum.URL) {
		removeFromBitmap(s.idxToken, tok, docID)
	}

	s.reqBytes -= int64(sum.Sizes.ReqBodyBytes)
	s.respBytes -= int64(sum.Sizes.RespBodyBytes)
}

func addToBitmap[K comparable](idx map[K]*roaring.Bitmap, key K, docID uint32) {
	bm, ok := idx[key]
	if !ok {
		bm = roaring.New()
		idx[key] = bm
	}
	bm.Add(docID)
}

func removeFromBitmap[K comparable](idx map[K]*roaring.Bitmap, key K, docID uint32) {
	bm, ok := idx[key]
	if !ok {
		return
	}
	bm.Remove(docID)
	if bm.IsEmpty() {
		delete(idx, key)
	}
}

// hostBitmap supports a "*." prefix matching the domain and all subdomains.
// Must be called with mu held.
func (s *Store) hostBitmap(host string) *roaring.Bitmap {
	host = strings.ToLower(host)
	if !strings.HasPrefix(host, "*.") {
		return s.idxHost[host]
	}
	base := host[2:]
	if base == "" {
		return nil
	}
	suffix := "." + base
	result := roaring.New()
	for key, bm := range s.idxHost {
		if key == base || strings.HasSuffix(key, suffix) {
			result.Or(bm)
		}
	}
	return result
}

// Search returns flows matching q, newest first.
func (s *Store) Search(q types.FlowQuery) (*types.FlowQueryResult, error) {
	var flt *filter.Filter
	if q.Filter != "" {
		var err error
		if flt, err = filter.Compile(q.Filter); err != nil {
			return nil, err
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := max(q.Offset, 0)

	candidates := s.candidates(q)

	result := &types.FlowQueryResult{Flows: make([]*types.FlowSummary, 0, min(limit, len(candidates)))}
	for _, sum := range candidates {
		if flt != nil {
			ok, err := flt.MatchSummary(sum)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if !ok {
				continue
			}
		}
		result.Total++
		if result.Total <= offset {
			continue
		}
		if len(result.Flows) < limit {
			result.Flows = append(result.Flows, sum)
		} else {
			result.Truncated = true
		}
	}
	return result, nil
}

// candidates intersects the indexes selected by q.
func (s *Store) candidates(q types.FlowQuery) []*types.FlowSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bm := s.all.Clone()
	and := func(other *roaring.Bitmap) {
		if other == nil {
			bm.Clear()
			return
		}
		bm.And(other)
	}
	if q.Host != "" {
		and(s.hostBitmap(q.Host))
	}
	if q.Method != "" {
		and(s.idxMethod[strings.ToUpper(q.Method)])
	}
	if q.Status != 0 {
		and(s.idxStatus[q.Status])
	}
	for _, tok := range Tokenize(q.Text) {
		and(s.idxToken[tok])
	}

	out := make([]*types.FlowSummary, 0, bm.GetCardinality())
	it := bm.ReverseIterator()
	for it.HasNext() {
		out = append(out, s.docs[it.Next()])
	}
	return out
}

// Stats describes the store contents.
type Stats struct {
	Flows         int   `json:"flows"`
	Hosts         int   `json:"hosts"`
	ReqBodyBytes  int64 `json:"req_body_bytes"`
	RespBodyBytes int64 `json:"resp_body_bytes"`
	Evicted       int   `json:"evicted"`
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Flows:         len(s.docs),
		Hosts:         len(s.idxHost),
		ReqBodyBytes:  s.reqBytes,
		RespBodyBytes: s.respBytes,
		Evicted:       s.evicted,
	}
}

func (st Stats) String() string {
	return printer.Sprintf("%d flows across %d hosts, %d request bytes, %d response bytes, %d evicted",
		st.Flows, st.Hosts, st.ReqBodyBytes, st.RespBodyBytes, st.Evicted)
}
