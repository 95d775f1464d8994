package dataloader

import (
	"encoding/binary"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
)

// Cache holds resized, not yet augmented images keyed by path. It is safe
// for concurrent use and can be shared between the train and validation
// loaders when both use the same image size.
type Cache struct {
	store    *fastcache.Cache
	maxBytes int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache bounded to maxBytes; fastcache evicts whole
// buckets once the bound is reached
func NewCache(maxBytes int) *Cache {
	return &Cache{store: fastcache.New(maxBytes), maxBytes: maxBytes}
}

// Images are framed as width and height (uint32 each) followed by the RGBA pixels
const headerSize = 8

// Get returns a cached image. A nil cache always misses.
func (c *Cache) Get(key string) (*image.RGBA, bool) {
	if c == nil {
		return nil, false
	}
	buf := c.store.GetBig(nil, []byte(key))
	if len(buf) < headerSize {
		c.misses.Add(1)
		return nil, false
	}
	w := int(binary.LittleEndian.Uint32(buf[0:4]))
	h := int(binary.LittleEndian.Uint32(buf[4:8]))
	if len(buf)-headerSize != 4*w*h {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &image.RGBA{Pix: buf[headerSize:], Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}, true
}

// Put stores img under key
func (c *Cache) Put(key string, img *image.RGBA) {
	if c == nil {
		return
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	buf := make([]byte, headerSize, headerSize+4*w*h)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(w))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h))
	for y := 0; y < h; y++ {
		row := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		buf = append(buf, img.Pix[row:row+4*w]...)
	}
	c.store.SetBig([]byte(key), buf)
}

// Reset drops every entry. Statistics are cumulative and survive.
func (c *Cache) Reset() {
	if c != nil {
		c.store.Reset()
	}
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	var fs fastcache.Stats
	c.store.UpdateStats(&fs)
	return CacheStats{
		Entries:  fs.EntriesCount,
		Bytes:    fs.BytesSize,
		MaxBytes: uint64(c.maxBytes),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Entries  uint64
	Bytes    uint64
	MaxBytes uint64
	Hits     int64
	Misses   int64
}

// HitRate returns the hit percentage
func (cs CacheStats) HitRate() float64 {
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0
	}
	return float64(cs.Hits) / float64(total) * 100
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %.1f/%.1f MB, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		float64(cs.Bytes)/(1<<20), float64(cs.MaxBytes)/(1<<20), cs.Hits, cs.Misses, cs.HitRate())
}
