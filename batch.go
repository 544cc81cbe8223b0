package heifbox

import (
	"context"
	"fmt"
	"image"
	"io"
	"sort"
	"sync"

	"github.com/isoworks/heifbox/heif"
)

// DecodedItem is one successfully decoded image of a batch.
type DecodedItem struct {
	ID    uint32
	Type  string
	Image image.Image
}

// ItemError records why one item of a batch produced no image.
type ItemError struct {
	ID  uint32
	Err error
}

func (e ItemError) Error() string { return fmt.Sprintf("item %d: %v", e.ID, e.Err) }
func (e ItemError) Unwrap() error { return e.Err }

// BatchResult partitions a batch decode into the items that produced
// an image and the items that did not. Both slices follow the file's
// item declaration order.
type BatchResult struct {
	Decoded []DecodedItem
	Failed  []ItemError
}

// DecodeAll decodes every image item in the file. One undecodable item
// does not fail the batch; it lands in Failed alongside the successes.
// Metadata items take no part, and hidden images join only with
// Options.IncludeHidden. Options.Workers above one decodes items
// concurrently.
//
// Cancelling ctx stops further decoding: items not yet attempted fail
// with the context's error, and DecodeAll returns the partial result
// together with ctx.Err().
func DecodeAll(ctx context.Context, ra io.ReaderAt, size int64, opts ...*Options) (*BatchResult, error) {
	o := options(opts)
	f, err := heif.Open(ra, size)
	if err != nil {
		return nil, err
	}
	orientation := fileOrientation(f, o)

	var work []*heif.Item
	for _, it := range f.Items() {
		if batchable(it, o) {
			work = append(work, it)
		}
	}

	res := &BatchResult{}
	collect := func(it *heif.Item, img image.Image, err error) {
		if err != nil {
			res.Failed = append(res.Failed, ItemError{ID: it.ID, Err: err})
			return
		}
		res.Decoded = append(res.Decoded, DecodedItem{ID: it.ID, Type: it.Type, Image: img})
	}

	if o.Workers <= 1 {
		for _, it := range work {
			if err := ctx.Err(); err != nil {
				collect(it, nil, err)
				continue
			}
			img, err := decodeToImage(f, it, o, orientation)
			collect(it, img, err)
		}
		return res, ctx.Err()
	}

	type job struct {
		pos int
		it  *heif.Item
	}
	type outcome struct {
		pos int
		img image.Image
		err error
	}
	workers := o.Workers
	if workers > len(work) {
		workers = len(work)
	}
	jobs := make(chan job)
	results := make(chan outcome, len(work))

	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- outcome{pos: j.pos, err: err}
					continue
				}
				img, err := decodeToImage(f, j.it, o, orientation)
				results <- outcome{pos: j.pos, img: img, err: err}
			}
		}()
	}
	for i, it := range work {
		jobs <- job{pos: i, it: it}
	}
	close(jobs)
	wg.Wait()
	close(results)

	ordered := make([]outcome, 0, len(work))
	for r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].pos < ordered[j].pos })
	for _, r := range ordered {
		collect(work[r.pos], r.img, r.err)
	}
	return res, ctx.Err()
}

// batchable reports whether an item takes part in a batch decode.
// Tiles and other derivation inputs are customarily flagged hidden, so
// the default batch sees only the images a viewer would show.
func batchable(it *heif.Item, o *Options) bool {
	switch it.Type {
	case "Exif", "mime", "uri ":
		return false
	}
	if it.Hidden && !o.IncludeHidden {
		return false
	}
	return true
}
