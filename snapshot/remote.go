package snapshot

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// maxRemoteSize bounds a fetched blob.
const maxRemoteSize = 1 << 30

// Fetch downloads a snapshot blob for cold start and checks that it
// decodes before handing it back.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, *State, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetch snapshot")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.Newf("fetch snapshot: %s", resp.Status)
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize+1))
	if err != nil {
		return nil, nil, errors.Wrap(err, "read snapshot")
	}
	if len(blob) > maxRemoteSize {
		return nil, nil, errors.New("fetch snapshot: blob too large")
	}
	st, err := Decode(blob)
	if err != nil {
		return nil, nil, err
	}
	return blob, st, nil
}
