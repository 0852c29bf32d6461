package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan.
type Service struct {
	meili *Meili
	pg    *PgSearch
}

// NewService creates the facade. meili may be nil when Meilisearch is not
// configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	return &Service{meili: meili, pg: pg}
}

func (s *Service) Search(q Query) ([]Result, int, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return results, total, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.pg.Search(q)
}

// IndexTask pushes a task into the index, fire-and-forget. Search stays
// best-effort: an indexing failure never fails the mutation that caused it.
func (s *Service) IndexTask(record TaskRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTask(record); err != nil {
			log.Printf("search: index task %s: %v", record.ID, err)
		}
	}()
}

// DeleteTask removes a task from the index, fire-and-forget.
func (s *Service) DeleteTask(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTask(id); err != nil {
			log.Printf("search: delete task %s: %v", id, err)
		}
	}()
}
