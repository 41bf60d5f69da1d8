// Package fetch defines the external collaborator interfaces the sync engine
// drives: the commerce platform fetch client and the search indexer. Their
// implementations live outside this engine.
package fetch

import (
	"context"
	"encoding/json"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

// Item is one record returned by the fetch client. The payload is opaque to
// the engine; only the indexer and the primary writer interpret it.
type Item struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Page is one page of fetched records. NextCursor is the opaque continuation
// token persisted on successful completion; the engine never inspects it.
type Page struct {
	Items      []Item
	NextCursor string
	HasMore    bool
}

// Client pulls entity records from the external commerce platform. A full
// fetch ignores the cursor and re-pulls everything; an incremental fetch
// resumes from it. Implementations own pagination and rate-limit handling
// and classify their failures as transient or permanent fetch errors.
type Client interface {
	FetchPage(ctx context.Context, tenant string, et entity.Type, cursor string, full bool) (*Page, error)
}

// Indexer forwards changed items to the search index. Invocations are
// fire-and-forget from the engine's point of view: an indexing failure is
// logged and never fails the sync job.
type Indexer interface {
	Index(ctx context.Context, tenant string, et entity.Type, items []Item) error
}
