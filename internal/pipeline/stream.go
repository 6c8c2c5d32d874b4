package pipeline

import (
	"context"

	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/model"
)

// StreamItem is one element of a Stream. Exactly one of Variant and Err is
// set; an item carrying Err is always the last before the channel closes.
type StreamItem struct {
	Variant *model.VariantResponse
	Err     error
}

// Stream decodes req and returns a channel that yields each variant as soon
// as it is encoded, in completion order. A decode failure is returned directly
// and nothing is streamed.
//
// The channel is closed when every variant was sent or after a terminal
// error item. Variants sent before a failure stay delivered. Consumers must
// either drain the channel or cancel ctx; cancelling abandons the remaining
// derivations.
func (p *Pipeline) Stream(ctx context.Context, req model.UploadRequest) (<-chan StreamItem, error) {
	parent := ctx
	ctx, cancel := p.withTimeout(ctx)
	r := p.begin(modeStream, req)
	src, err := p.decode(r, req)
	if err != nil {
		cancel()
		p.finish(r, err)
		return nil, err
	}
	aspect := src.AspectRatio()
	out := make(chan StreamItem, p.buffer)
	r.enter(StateDeriving)
	go func() {
		defer close(out)
		defer cancel()
		_, err := p.fanOut(ctx, src, func(ctx context.Context, v media.VariantResult) error {
			item := StreamItem{Variant: variantResponse(v, aspect)}
			select {
			case out <- item:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err == nil {
			r.enter(StateAssembling)
		}
		p.finish(r, err)
		if err != nil {
			// Only a caller that went away stops the error from being sent.
			select {
			case out <- StreamItem{Err: err}:
			case <-parent.Done():
			}
		}
	}()
	return out, nil
}

func variantResponse(v media.VariantResult, aspect string) *model.VariantResponse {
	return &model.VariantResponse{
		Size:          v.Class,
		Buffer:        v.Data,
		FileExtension: media.FileExtension,
		AspectRatio:   aspect,
		Width:         v.Width,
		Height:        v.Height,
		URLSuffix:     v.Suffix,
	}
}
