package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spherical/flyer-offers/internal/domain"
)

type partitionKey struct {
	retailer domain.Retailer
	week     domain.WeekKey
}

// MemoryStore keeps partitions in memory, optionally mirrored to a JSON
// snapshot file that is rewritten after every upsert.
type MemoryStore struct {
	mu           sync.RWMutex
	partitions   map[partitionKey][]domain.Offer
	snapshotPath string
}

// NewMemoryStore creates a memory store, loading snapshotPath when it exists.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	s := &MemoryStore{
		partitions:   make(map[partitionKey][]domain.Offer),
		snapshotPath: snapshotPath,
	}
	if snapshotPath == "" {
		return s, nil
	}

	data, err := os.ReadFile(snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var offers []domain.Offer
	if err := json.Unmarshal(data, &offers); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", snapshotPath, err)
	}
	for _, o := range offers {
		k := partitionKey{o.Retailer, o.WeekKey}
		s.partitions[k] = append(s.partitions[k], o)
	}
	return s, nil
}

// Upsert replaces the partition. An empty offers slice clears it.
func (s *MemoryStore) Upsert(ctx context.Context, retailer domain.Retailer, week domain.WeekKey, offers []domain.Offer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPartition(retailer, week, offers); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stored slices are never mutated, so a shallow copy of the map is enough
	// to keep the current partitions intact until the snapshot is written.
	next := make(map[partitionKey][]domain.Offer, len(s.partitions)+1)
	for k, v := range s.partitions {
		next[k] = v
	}
	k := partitionKey{retailer, week}
	if len(offers) == 0 {
		delete(next, k)
	} else {
		cp := make([]domain.Offer, len(offers))
		copy(cp, offers)
		domain.SortOffers(cp)
		next[k] = cp
	}

	if err := s.writeSnapshot(next); err != nil {
		return err
	}
	s.partitions = next
	return nil
}

// Query returns matching offers ordered by retailer, week, page, title and id.
func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Offer
	for k, offers := range s.partitions {
		if filter.matches(k.retailer, k.week) {
			out = append(out, offers...)
		}
	}
	domain.SortOffers(out)
	return out, nil
}

// Partitions lists non-empty partitions ordered by retailer and week.
func (s *MemoryStore) Partitions(ctx context.Context) ([]domain.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Partition, 0, len(s.partitions))
	for k, offers := range s.partitions {
		out = append(out, domain.Partition{Retailer: k.retailer, WeekKey: k.week, Count: len(offers)})
	}
	sortPartitions(out)
	return out, nil
}

// Close is a no-op; the snapshot is written on every upsert.
func (s *MemoryStore) Close() error {
	return nil
}

// writeSnapshot writes all offers of partitions to a temp file and renames it
// over the snapshot. Callers hold s.mu.
func (s *MemoryStore) writeSnapshot(partitions map[partitionKey][]domain.Offer) error {
	if s.snapshotPath == "" {
		return nil
	}

	all := make([]domain.Offer, 0)
	for _, offers := range partitions {
		all = append(all, offers...)
	}
	domain.SortOffers(all)

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".offers-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.snapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func sortPartitions(ps []domain.Partition) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Retailer != ps[j].Retailer {
			return ps[i].Retailer < ps[j].Retailer
		}
		return ps[i].WeekKey < ps[j].WeekKey
	})
}
