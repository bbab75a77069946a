// Package fetcher downloads portal responses and decodes them into record
// batches.
package fetcher

import (
	"context"

	"github.com/sells-group/portal-sync/internal/request"
)

// Fetcher retrieves and decodes one portal URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, p request.Profile) (*Page, error)
}

// Page is a decoded portal response.
type Page struct {
	URL     string
	Status  int
	Bytes   int
	Payload *Payload

	// Set for paginated vendors only. NextPage is 0 on the last page.
	NextPage   int
	TotalPages int
}
