package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/model"
)

// Write derives every variant and the blur hash concurrently, persists each
// variant under images/<stem>_<suffix>.jpeg and returns their metadata. The
// request fails as a unit: if any write fails, the files this call already
// wrote are removed.
func (p *Pipeline) Write(ctx context.Context, req model.UploadRequest) (*model.AggregateResponse, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	r := p.begin(modeWrite, req)
	resp, err := p.write(ctx, r, req)
	p.finish(r, err)
	return resp, err
}

func (p *Pipeline) write(ctx context.Context, r *run, req model.UploadRequest) (*model.AggregateResponse, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	stem, err := media.Stem(req.FileName)
	if err != nil {
		return nil, err
	}
	src, err := p.decode(r, req)
	if err != nil {
		return nil, err
	}
	r.enter(StateDeriving)
	var (
		variants []media.VariantResult
		hash     string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		variants, err = p.DeriveAll(gctx, src)
		return err
	})
	g.Go(func() error {
		var err error
		hash, err = p.blurHash(gctx, src)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.enter(StateAssembling)
	sizes, err := p.persistAll(ctx, r, stem, variants)
	if err != nil {
		return nil, err
	}
	return &model.AggregateResponse{
		AspectRatio:   src.AspectRatio(),
		FileExtension: media.FileExtension,
		BlurHash:      hash,
		Variants:      sizes,
	}, nil
}
