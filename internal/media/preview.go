package media

import (
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PreviewCache keeps the head bytes of recently previewed entries.
type PreviewCache struct {
	cache *lru.Cache[string, []byte]
}

func NewPreviewCache(size int) (*PreviewCache, error) {
	lcache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &PreviewCache{
		cache: lcache,
	}, nil
}

// Load reads at most limit bytes from the start of e, attaches them to
// e.Preview and caches them by path.
func (p *PreviewCache) Load(fsys FS, e *Entry, limit int) ([]byte, error) {
	if data, ok := p.cache.Get(e.Path); ok && (len(data) >= limit || int64(len(data)) == e.Size) {
		data = data[:min(limit, len(data))]
		e.Preview = data
		return data, nil
	}

	f, err := fsys.Open(e.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", e.Path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to read preview of %s: %w", e.Path, err)
	}

	p.cache.Add(e.Path, data)
	e.Preview = data
	return data, nil
}

func (p *PreviewCache) Len() int {
	return p.cache.Len()
}

func (p *PreviewCache) Purge() {
	p.cache.Purge()
}
