package capture

import (
	"context"
	"errors"

	"github.com/meetcap/meetcap/internal/media"
)

// ErrRegionUnavailable is returned when a provider cannot locate the meeting.
var ErrRegionUnavailable = errors.New("capture region unavailable")

// RegionProvider reports where the meeting window currently is.
type RegionProvider interface {
	CurrentCaptureRegion(ctx context.Context) (media.Region, error)
}

// RegionFunc adapts a function to RegionProvider.
type RegionFunc func(ctx context.Context) (media.Region, error)

func (f RegionFunc) CurrentCaptureRegion(ctx context.Context) (media.Region, error) {
	return f(ctx)
}

// FixedRegion always reports the same rectangle.
type FixedRegion media.Region

func (r FixedRegion) CurrentCaptureRegion(context.Context) (media.Region, error) {
	if media.Region(r).Empty() {
		return media.Region{}, ErrRegionUnavailable
	}
	return media.Region(r), nil
}

// FullDisplay selects the whole configured display. A FrameSource given
// FullDisplay never looks up a region, so it is never counted as a
// fallback.
type FullDisplay struct{}

func (FullDisplay) CurrentCaptureRegion(context.Context) (media.Region, error) {
	return media.Region{}, nil
}
