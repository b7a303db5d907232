package ports

import "github.com/thushan/tcpxy/internal/core/domain"

// Selector chooses a backend index from the pool. Index is always valid
// ([0, pool.Len())) unless err is non-nil.
type Selector interface {
	Name() string
	Select(pool *domain.BackendPool) (int, error)
}
