package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/atwany/internal/media"
)

// emitFunc receives each variant as soon as it is encoded. It runs on the
// goroutine that waited for the derivation, so it may block for backpressure.
type emitFunc func(ctx context.Context, v media.VariantResult) error

// DeriveAll derives every catalog class of src, Original included, and
// returns them in catalog order. The first failure cancels the rest.
func (p *Pipeline) DeriveAll(ctx context.Context, src *media.SourceImage) ([]media.VariantResult, error) {
	return p.fanOut(ctx, src, nil)
}

// fanOut runs one pool task per class. With a nil emit the results are
// collected and returned; otherwise they are handed to emit and dropped.
func (p *Pipeline) fanOut(ctx context.Context, src *media.SourceImage, emit emitFunc) ([]media.VariantResult, error) {
	specs := media.Catalog()
	var results []media.VariantResult
	if emit == nil {
		results = make([]media.VariantResult, len(specs))
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			v, err := p.derive(gctx, src, spec.Class)
			if err != nil {
				return err
			}
			if emit != nil {
				return emit(gctx, v)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) derive(ctx context.Context, src *media.SourceImage, class media.SizeClass) (media.VariantResult, error) {
	var v media.VariantResult
	err := p.pool.Do(ctx, func(ctx context.Context) error {
		started := time.Now()
		var err error
		v, err = media.Derive(ctx, src, class)
		p.metrics.Derivation(class.String(), started, err)
		return err
	})
	if err != nil {
		return media.VariantResult{}, fmt.Errorf("derive %s: %w", class, err)
	}
	return v, nil
}

// blurHash computes the placeholder hash on the pool.
func (p *Pipeline) blurHash(ctx context.Context, src *media.SourceImage) (string, error) {
	var hash string
	err := p.pool.Do(ctx, func(context.Context) error {
		var err error
		hash, err = media.BlurHash(src)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("blur hash: %w", err)
	}
	return hash, nil
}
